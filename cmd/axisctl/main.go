// Package main implements axisctl, the Axis operator CLI: a thin HTTP
// client against axisd's bridge API, plus a direct-NATS audit tail.
//
// Grounded on cmd/semspec/app.go's REPL command set (/status, /tools,
// /config), generalized from an interactive REPL into real Cobra
// subcommands since Axis is a daemon + CLI pair rather than one
// interactive process (§9.1).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"axis.run/meridian/internal/audit"
	"axis.run/meridian/internal/job"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr    string
		natsURL string
	)

	root := &cobra.Command{
		Use:   "axisctl",
		Short: "Axis operator CLI",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "axisd bridge address")
	root.PersistentFlags().StringVar(&natsURL, "nats-url", nats.DefaultURL, "NATS URL, for audit tail")

	jobCmd := &cobra.Command{Use: "job", Short: "Manage Jobs"}
	jobCmd.AddCommand(
		newJobSubmitCmd(&addr),
		newJobShowCmd(&addr),
		newJobApproveCmd(&addr),
		newJobRejectCmd(&addr),
		newJobCancelCmd(&addr),
	)

	auditCmd := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	auditCmd.AddCommand(newAuditTailCmd(&natsURL))

	root.AddCommand(jobCmd, auditCmd)
	return root
}

func newJobSubmitCmd(addr *string) *cobra.Command {
	var (
		source    string
		priority  string
		timeoutMs int64
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new Job",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"source":    source,
				"priority":  priority,
				"timeoutMs": timeoutMs,
			}
			var j job.Job
			if err := postJSON(cmd.Context(), *addr+"/jobs/", body, &j); err != nil {
				return err
			}
			return printJSON(j)
		},
	}
	cmd.Flags().StringVar(&source, "source", string(job.SourceUser), "job source")
	cmd.Flags().StringVar(&priority, "priority", string(job.PriorityNormal), "job priority")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "job timeout in milliseconds (0 = server default)")
	return cmd
}

func newJobShowCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a Job by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var j job.Job
			if err := getJSON(cmd.Context(), *addr+"/jobs/"+args[0], &j); err != nil {
				return err
			}
			return printJSON(j)
		},
	}
}

func newJobApproveCmd(addr *string) *cobra.Command {
	return jobActionCmd(addr, "approve", "Approve an awaiting-approval Job")
}

func newJobRejectCmd(addr *string) *cobra.Command {
	return jobActionCmd(addr, "reject", "Reject an awaiting-approval Job")
}

func newJobCancelCmd(addr *string) *cobra.Command {
	return jobActionCmd(addr, "cancel", "Cancel a Job")
}

func jobActionCmd(addr *string, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := postJSON(cmd.Context(), *addr+"/jobs/"+args[0]+"/"+action, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newAuditTailCmd(natsURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Stream audit entries as they are written",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			nc, err := nats.Connect(*natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("jetstream context: %w", err)
			}

			return audit.Tail(ctx, js, func(entry audit.Entry) {
				_ = printJSON(entry)
			})
		},
	}
}

func postJSON(ctx context.Context, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req, out)
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doRequest(req, out)
}

func doRequest(req *http.Request, out any) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("axisd returned %d: %s", resp.StatusCode, string(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
