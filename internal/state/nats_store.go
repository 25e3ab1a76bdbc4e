package state

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"twistbridge/internal/config"
	"twistbridge/internal/domain"

	"github.com/nats-io/nats.go"
)

const bindingUpdateAttempts = 3

var validKVKey = regexp.MustCompile(`^[-/_=\.a-zA-Z0-9]+$`)

// NATSStore persists dedup records and thread bindings in JetStream KV buckets.
// Params: NATS connection, JetStream context, and KV bucket handles.
// Returns: KV-backed state store shared by several bridge instances.
type NATSStore struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	dedupKV   nats.KeyValue
	bindingKV nats.KeyValue
	now       func() time.Time
}

// NewNATSStore opens (or creates) KV buckets and returns NATS state backend.
// Params: NATS settings, dedup retention used as bucket TTL, and clock.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSConfig, retention time.Duration, now func() time.Time) (*NATSStore, error) {
	if now == nil {
		now = time.Now
	}
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	dedupKV, err := openBucket(js, &nats.KeyValueConfig{
		Bucket:  settings.DedupBucket,
		History: 1,
		TTL:     retention,
	}, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}

	bindingKV, err := openBucket(js, &nats.KeyValueConfig{
		Bucket:  settings.BindingBucket,
		History: 1,
	}, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSStore{
		nc:        nc,
		js:        js,
		dedupKV:   dedupKV,
		bindingKV: bindingKV,
		now:       now,
	}, nil
}

// openBucket binds an existing bucket or creates it when allowed.
// Params: JetStream context, bucket settings, and create permission.
// Returns: bucket handle or setup error.
func openBucket(js nats.JetStreamContext, cfg *nats.KeyValueConfig, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", cfg.Bucket, err)
	}
	kv, err = js.CreateKeyValue(cfg)
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// kvKey maps arbitrary ids onto the KV key alphabet.
// Params: logical key.
// Returns: key unchanged when valid, otherwise "h/<sha1>".
func kvKey(key string) string {
	if validKVKey.MatchString(key) && !strings.HasPrefix(key, ".") && !strings.HasSuffix(key, ".") {
		return key
	}
	sum := sha1.Sum([]byte(key))
	return "h/" + hex.EncodeToString(sum[:])
}

// Accept atomically creates the dedup key; an existing key means the id was seen.
// Params: delivery id.
// Returns: true exactly once per id until bucket TTL expires it.
func (s *NATSStore) Accept(_ context.Context, id string) (bool, error) {
	payload := []byte(s.now().UTC().Format(time.RFC3339Nano))
	if _, err := s.dedupKV.Create(kvKey(id), payload); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return false, storeErr("dedup accept", err)
	}
	return true, nil
}

// Forget deletes the dedup key; a missing key is not an error.
// Params: delivery id.
// Returns: StoreError when the bucket is unreachable.
func (s *NATSStore) Forget(_ context.Context, id string) error {
	if err := s.dedupKV.Delete(kvKey(id)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return storeErr("dedup forget", err)
	}
	return nil
}

// SweepDedup is a no-op because the bucket TTL expires records.
// Params: sweep instant (unused).
// Returns: zero.
func (s *NATSStore) SweepDedup(context.Context, time.Time) (int, error) {
	return 0, nil
}

// GetBinding reads binding for incident key.
// Params: incident key.
// Returns: binding or ErrNotFound.
func (s *NATSStore) GetBinding(_ context.Context, incidentKey string) (domain.ThreadBinding, error) {
	binding, _, err := s.loadBinding(kvKey(incidentKey))
	return binding, err
}

func (s *NATSStore) loadBinding(key string) (domain.ThreadBinding, uint64, error) {
	entry, err := s.bindingKV.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.ThreadBinding{}, 0, ErrNotFound
		}
		return domain.ThreadBinding{}, 0, storeErr("get binding", err)
	}
	var binding domain.ThreadBinding
	if err := json.Unmarshal(entry.Value(), &binding); err != nil {
		return domain.ThreadBinding{}, 0, fmt.Errorf("decode binding: %w", err)
	}
	return binding, entry.Revision(), nil
}

// CreateBinding creates binding unless another writer bound the key first.
// Params: binding to insert.
// Returns: stored binding, or the existing binding with ErrConflict.
func (s *NATSStore) CreateBinding(ctx context.Context, binding domain.ThreadBinding) (domain.ThreadBinding, error) {
	body, err := json.Marshal(binding)
	if err != nil {
		return domain.ThreadBinding{}, fmt.Errorf("encode binding: %w", err)
	}
	if _, err := s.bindingKV.Create(kvKey(binding.IncidentKey), body); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			existing, getErr := s.GetBinding(ctx, binding.IncidentKey)
			if getErr != nil {
				return domain.ThreadBinding{}, getErr
			}
			return existing, ErrConflict
		}
		return domain.ThreadBinding{}, storeErr("create binding", err)
	}
	return binding, nil
}

// CloseBinding sets ClosedAt with revision CAS, retrying on concurrent updates.
// Params: incident key and close instant.
// Returns: ErrNotFound, StoreError, or nil.
func (s *NATSStore) CloseBinding(_ context.Context, incidentKey string, closedAt time.Time) error {
	key := kvKey(incidentKey)
	for attempt := 0; attempt < bindingUpdateAttempts; attempt++ {
		binding, revision, err := s.loadBinding(key)
		if err != nil {
			return err
		}
		if binding.Closed() {
			return nil
		}
		binding.ClosedAt = closedAt
		body, err := json.Marshal(binding)
		if err != nil {
			return fmt.Errorf("encode binding: %w", err)
		}
		if _, err := s.bindingKV.Update(key, body, revision); err != nil {
			if isRevisionConflict(err) {
				continue
			}
			return storeErr("close binding", err)
		}
		return nil
	}
	return storeErr("close binding", ErrConflict)
}

// SweepClosedBindings deletes bindings closed before cutoff.
// Params: cutoff instant.
// Returns: number of deleted bindings.
func (s *NATSStore) SweepClosedBindings(_ context.Context, closedBefore time.Time) (int, error) {
	keys, err := s.bindingKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, storeErr("list bindings", err)
	}
	removed := 0
	for _, key := range keys {
		binding, revision, err := s.loadBinding(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		if !binding.Closed() || !binding.ClosedAt.Before(closedBefore) {
			continue
		}
		if err := s.bindingKV.Delete(key, nats.LastRevision(revision)); err != nil {
			if isRevisionConflict(err) || errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return removed, storeErr("delete binding", err)
		}
		removed++
	}
	return removed, nil
}

// isRevisionConflict detects CAS failures reported by JetStream.
// Params: KV error.
// Returns: true for wrong-last-sequence style errors.
func isRevisionConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
