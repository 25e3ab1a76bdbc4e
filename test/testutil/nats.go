package testutil

import (
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// FreePort reserves a local TCP port and returns it to the caller.
// Params: none.
// Returns: free port number or error.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// StartLocalNATSServer starts a JetStream-enabled nats-server for store and dead-letter tests.
// The test is skipped when the nats-server binary is not installed.
// Params: test handle for lifecycle and failure reporting.
// Returns: server URL and idempotent stop callback.
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}

	cmd := exec.Command("nats-server", "-js", "-p", strconv.Itoa(port), "-sd", tb.TempDir())
	if err := cmd.Start(); err != nil {
		tb.Skipf("nats-server is required for integration test: %v", err)
	}

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			done := make(chan struct{})
			go func() {
				_, _ = cmd.Process.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = cmd.Process.Kill()
				<-done
			}
		})
	}
	tb.Cleanup(stop)
	Eventually(tb, 8*time.Second, func() bool {
		nc, err := nats.Connect(url)
		if err != nil {
			return false
		}
		nc.Close()
		return true
	}, "nats did not become ready at "+url)
	return url, stop
}

// SubscribeJetStream opens a plain connection and returns a channel of messages published to subject.
// Params: test handle, server URL, and subject.
// Returns: buffered message channel; subscription closes with the test.
func SubscribeJetStream(tb testing.TB, url, subject string) <-chan *nats.Msg {
	tb.Helper()

	nc, err := nats.Connect(url)
	if err != nil {
		tb.Fatalf("connect nats: %v", err)
	}
	messages := make(chan *nats.Msg, 64)
	if _, err := nc.ChanSubscribe(subject, messages); err != nil {
		nc.Close()
		tb.Fatalf("subscribe %s: %v", subject, err)
	}
	tb.Cleanup(nc.Close)
	return messages
}

// Eventually polls cond until it holds or timeout expires.
// Params: test handle, timeout, condition, and failure message.
// Returns: nothing; fails the test on timeout.
func Eventually(tb testing.TB, timeout time.Duration, cond func() bool, message string) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if cond() {
		return
	}
	tb.Fatalf("condition not met within %s: %s", timeout, message)
}
