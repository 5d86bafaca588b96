package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/fundaudit/pkg/audit"
)

type verifyResult struct {
	Sink      string `json:"sink"`
	Entries   uint64 `json:"entries"`
	ChainHead string `json:"chain_head"`
	Verified  bool   `json:"verified"`
	Error     string `json:"error,omitempty"`
}

// runVerifyCmd implements `fundaudit verify`.
//
// Recomputes every entry hash and the chain linkage of the configured sink.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogger(cfg, stderr)
	ctx := context.Background()

	handle, err := openAudit(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: audit log: %v\n", err)
		return 2
	}
	defer func() { _ = handle.Close() }()

	res := verifyResult{Sink: cfg.AuditSink}
	res.Entries, res.ChainHead = handle.Log.Head()
	verr := handle.Log.VerifyChain(ctx)
	res.Verified = verr == nil
	if verr != nil {
		res.Error = verr.Error()
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Audit sink: %s\n", res.Sink)
		_, _ = fmt.Fprintf(stdout, "Entries:    %d\n", res.Entries)
		_, _ = fmt.Fprintf(stdout, "Chain head: %s\n", res.ChainHead)
		if res.Verified {
			_, _ = fmt.Fprintf(stdout, "%s✅ Chain verified%s\n", ColorGreen, ColorReset)
		} else {
			_, _ = fmt.Fprintf(stdout, "%s❌ Verification failed: %s%s\n", ColorRed, res.Error, ColorReset)
		}
	}

	switch {
	case verr == nil:
		return 0
	case errors.Is(verr, audit.ErrIntegrity):
		return 1
	default:
		return 2
	}
}
