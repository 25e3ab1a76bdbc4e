package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"twistbridge/internal/gcp"
	"twistbridge/internal/notify"

	"github.com/spf13/cobra"
)

func newPrintReplyCmd() *cobra.Command {
	var (
		inputFile string
		stateOnly bool
	)
	cmd := &cobra.Command{
		Use:   "print-reply",
		Short: "Render the Twist message for a saved GCP notification payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(inputFile)
			if err != nil {
				return withCode(1, fmt.Errorf("read payload: %w", err))
			}
			return withCode(1, printReply(cmd.OutOrStdout(), raw, stateOnly))
		},
	}
	cmd.Flags().StringVar(&inputFile, "input-filename", "", "file holding one GCP notification JSON body")
	cmd.Flags().BoolVar(&stateOnly, "state-only", false, "print only the normalized incident state")
	_ = cmd.MarkFlagRequired("input-filename")
	return cmd
}

// printReply writes the rendered message, or the parse-failure message, for raw.
// Params: output writer, payload body, and state-only switch.
// Returns: render or write error.
func printReply(out io.Writer, raw []byte, stateOnly bool) error {
	event, err := gcp.ParsePayload(raw, time.Now().UTC())
	if err != nil {
		_, writeErr := fmt.Fprintln(out, gcp.DescribeParseFailure(err, raw))
		return writeErr
	}
	if stateOnly {
		_, err := fmt.Fprintln(out, event.State)
		return err
	}

	formatter := notify.DefaultFormatter()
	title, err := formatter.Title(event)
	if err != nil {
		return err
	}
	body, err := formatter.Body(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "thread: %s\n\n%s\n", title, body)
	return err
}
