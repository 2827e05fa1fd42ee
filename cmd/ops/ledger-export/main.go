// Package main is the ledger-export operational tool. It streams the
// webhook_events idempotency ledger as zstd-compressed NDJSON, one event
// per line, for offline replay and debugging of reconciliation issues.
//
// Usage:
//
//	ledger-export -out events.ndjson.zst
//	ledger-export -failed-only -out failed.ndjson.zst
//
// Connection settings come from the same environment variables as the API
// server (DATABASE_URL et al).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"

	"polarsync/internal/config"
	"polarsync/internal/db"
	"polarsync/internal/types"
)

// exportRecord is the NDJSON line shape. The payload is embedded as raw
// JSON so a replay tool can POST it back verbatim.
type exportRecord struct {
	WebhookID   string          `json:"webhook_id"`
	Type        string          `json:"type"`
	ReceivedAt  time.Time       `json:"received_at"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		outPath    = flag.String("out", "", "output file (default: stdout)")
		failedOnly = flag.Bool("failed-only", false, "export only events with a recorded error")
		timeout    = flag.Duration("timeout", 5*time.Minute, "overall export deadline")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	var out io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}

	enc := json.NewEncoder(zw)
	ledger := db.NewLedgerRepo(pool, nil)

	var count int
	err = ledger.Walk(ctx, *failedOnly, func(ev *types.WebhookEvent) error {
		count++
		return enc.Encode(exportRecord{
			WebhookID:   ev.WebhookID,
			Type:        ev.Type,
			ReceivedAt:  ev.ReceivedAt,
			Processed:   ev.Processed,
			ProcessedAt: ev.ProcessedAt,
			LastError:   ev.LastError,
			Payload:     ev.Payload,
		})
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("exporting ledger: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}

	fmt.Fprintf(os.Stderr, "exported %d events\n", count)
	return nil
}
