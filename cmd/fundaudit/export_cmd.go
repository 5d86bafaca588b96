package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/fundaudit/pkg/artifacts"
	"github.com/Mindburn-Labs/fundaudit/pkg/audit"
)

// runExportCmd implements `fundaudit export`.
//
// Writes a zip evidence pack of the selected entries and optionally
// publishes it to the configured artifact store.
//
// Exit codes:
//
//	0 = exported
//	1 = no entries matched or the exported bundle failed verification
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		outPath  string
		upload   bool
		actor    string
		recordID string
		fromSeq  uint64
		toSeq    uint64
		since    string
		until    string
	)

	cmd.StringVar(&outPath, "out", "", "Output path for the evidence pack zip")
	cmd.BoolVar(&upload, "upload", false, "Publish the pack to the artifact store (ARTIFACT_STORAGE_TYPE)")
	cmd.StringVar(&actor, "actor", "", "Only entries recorded by this actor")
	cmd.StringVar(&recordID, "record", "", "Only entries for this record id")
	cmd.Uint64Var(&fromSeq, "from-seq", 0, "First sequence number")
	cmd.Uint64Var(&toSeq, "to-seq", 0, "Last sequence number")
	cmd.StringVar(&since, "since", "", "Only entries at or after this RFC 3339 time")
	cmd.StringVar(&until, "until", "", "Only entries at or before this RFC 3339 time")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if outPath == "" && !upload {
		_, _ = fmt.Fprintln(stderr, "Error: --out or --upload is required")
		return 2
	}

	filter := audit.Filter{Actor: actor, RecordID: recordID, StartSeq: fromSeq, EndSeq: toSeq}
	for _, tf := range []struct {
		flag string
		val  string
		dst  **time.Time
	}{{"since", since, &filter.StartTime}, {"until", until, &filter.EndTime}} {
		if tf.val == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, tf.val)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --%s: %v\n", tf.flag, err)
			return 2
		}
		*tf.dst = &t
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

	bundle, err := handle.Log.ExportBundle(ctx, filter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
		if errors.Is(err, audit.ErrEmptyBundle) || errors.Is(err, audit.ErrIntegrity) {
			return 1
		}
		return 2
	}

	if outPath != "" {
		pack, checksum, err := audit.Pack(bundle)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: pack: %v\n", err)
			return 2
		}
		if err := os.WriteFile(outPath, pack, 0o640); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write %s: %v\n", outPath, err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Evidence pack: %s\n", outPath)
		_, _ = fmt.Fprintf(stdout, "  entries:  %d (seq %d..%d)\n", bundle.EntryCount, bundle.StartSeq, bundle.EndSeq)
		_, _ = fmt.Fprintf(stdout, "  bundle:   %s\n", bundle.BundleHash)
		_, _ = fmt.Fprintf(stdout, "  checksum: %s\n", checksum)
	}

	if upload {
		store, err := artifacts.NewStore(ctx, cfg.Artifacts)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: artifact store: %v\n", err)
			return 2
		}
		if c, ok := store.(io.Closer); ok {
			defer func() { _ = c.Close() }()
		}
		digest, env, err := artifacts.NewPublisher(store, "fundaudit/"+Version).Publish(ctx, bundle)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: publish: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Published to %s store\n", cfg.Artifacts.Type)
		_, _ = fmt.Fprintf(stdout, "  envelope: %s\n", digest)
		_, _ = fmt.Fprintf(stdout, "  pack:     %s\n", env.PackDigest)
	}
	return 0
}
