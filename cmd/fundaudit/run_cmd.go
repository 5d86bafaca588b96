package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/fundaudit/pkg/config"
	"github.com/Mindburn-Labs/fundaudit/pkg/evaluator"
	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
	"github.com/Mindburn-Labs/fundaudit/pkg/ingest"
	"github.com/Mindburn-Labs/fundaudit/pkg/report"
	"github.com/Mindburn-Labs/fundaudit/pkg/rules"
)

const defaultSQLQuery = `SELECT project_id, approved_funding, total_budget, status, security_level, date, region_id FROM funding_records`

// runEvaluateCmd implements `fundaudit run`.
//
// Exit codes:
//
//	0 = every record compliant and no rows rejected
//	1 = non-compliant
//	2 = runtime error
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		rulesPath  string
		dataPath   string
		format     string
		sheet      string
		query      string
		reportPath string
		xlsxPath   string
		jsonOutput bool
		asOfStr    string
		token      string
		region     string
		maxSec     int
		aliases    multiFlag
	)

	cmd.StringVar(&rulesPath, "rules", "", "Rule configuration file (default: FUNDAUDIT_RULES or built-in rules)")
	cmd.StringVar(&dataPath, "data", "", "Funding records (REQUIRED)")
	cmd.StringVar(&format, "format", "", "Input format: csv, tsv, xlsx, sqlite (default: from extension)")
	cmd.StringVar(&sheet, "sheet", "", "Worksheet name for xlsx input")
	cmd.StringVar(&query, "query", defaultSQLQuery, "Query for sqlite input")
	cmd.StringVar(&reportPath, "report", "", "Write the JSON report to this file")
	cmd.StringVar(&xlsxPath, "xlsx", "", "Write an XLSX workbook report to this file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON to stdout")
	cmd.StringVar(&asOfStr, "as-of", "", "Anchor date for rolling windows (YYYY-MM-DD, default: latest record)")
	cmd.StringVar(&token, "token", "", "Signed actor token")
	cmd.StringVar(&region, "region", "", "Restrict proportions to one region")
	cmd.IntVar(&maxSec, "max-security", -1, "Exclude records above this security level from proportions")
	cmd.Var(&aliases, "alias", "Extra column alias field=column (repeatable)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dataPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --data is required")
		return 2
	}
	var asOf time.Time
	if asOfStr != "" {
		t, err := time.Parse(funding.DateLayout, asOfStr)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --as-of %q: %v\n", asOfStr, err)
			return 2
		}
		asOf = t
	}
	extra, err := parseAliases(aliases)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := setupLogger(cfg, stderr)
	if rulesPath == "" {
		rulesPath = cfg.RulesPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, err = actorContext(ctx, cfg, token)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid token: %v\n", err)
		return 2
	}

	ruleList, err := rules.Load(rulesPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	reg, err := rules.NewRegistryFrom(ruleList)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	src, closeSrc, err := openSource(dataPath, format, sheet, query)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeSrc() }()

	handle, err := openAudit(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: audit log: %v\n", err)
		return 2
	}
	defer func() { _ = handle.Close() }()

	hist, closeHist, err := openHistory(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeHist() }()

	telemetry, err := setupTelemetry(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 2
	}
	if telemetry != nil {
		defer func() { _ = telemetry.Shutdown(context.Background()) }()
	}

	ev, err := evaluator.New(reg, hist, handle.Log, evaluator.WithLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	runner := &evaluator.Runner{
		Evaluator: ev,
		Workers:   cfg.Workers,
		Telemetry: telemetry,
		Logger:    logger,
	}
	if cfg.RateLimit > 0 {
		runner.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	sum, err := runner.Run(ctx, ingest.Records(ctx, src, ingest.NewNormalizer(extra)))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: run aborted after %d records: %v\n", len(sum.Outcomes), err)
		return 2
	}

	gen := report.Generator{Thresholds: cfg.Thresholds}
	if region != "" {
		gen.Filter.RegionID = region
	}
	if maxSec >= 0 {
		gen.Filter.MaxSecurityLevel = &maxSec
	}
	if cfg.ProfilesDir != "" {
		profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		gen.RegionThresholds = config.RegionThresholds(profiles)
		// A region's profile supplies the security ceiling unless --max-security is set.
		for code, p := range profiles {
			if region != "" && maxSec < 0 && strings.EqualFold(code, region) && p.MaxSecurityLevel != nil {
				gen.Filter.MaxSecurityLevel = p.MaxSecurityLevel
			}
		}
	}
	rep := gen.Build(sum, asOf)
	entries, head := handle.Log.Head()
	rep.WithAudit(entries, head)

	if err := writeReports(rep, reportPath, xlsxPath); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if jsonOutput {
		err = report.WriteJSON(stdout, rep)
	} else {
		err = report.WriteText(stdout, rep)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if !rep.Compliant() {
		return 1
	}
	return 0
}

func openSource(path, format, sheet, query string) (ingest.Source, func() error, error) {
	noop := func() error { return nil }
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	switch format {
	case "csv":
		return ingest.CSVSource{Path: path}, noop, nil
	case "tsv":
		return ingest.CSVSource{Path: path, Comma: '\t'}, noop, nil
	case "xlsx":
		return ingest.XLSXSource{Path: path, Sheet: sheet}, noop, nil
	case "sqlite", "db":
		if _, err := os.Stat(path); err != nil {
			return nil, nil, err
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		return ingest.SQLSource{DB: db, Query: query}, db.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported input format %q (valid: csv, tsv, xlsx, sqlite)", format)
}

func parseAliases(values []string) (map[string][]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string][]string)
	for _, v := range values {
		field, column, ok := strings.Cut(v, "=")
		if !ok || field == "" || column == "" {
			return nil, fmt.Errorf("invalid --alias %q, want field=column", v)
		}
		out[field] = append(out[field], column)
	}
	return out, nil
}

func writeReports(rep *report.Report, jsonPath, xlsxPath string) error {
	write := func(path string, fn func(io.Writer, *report.Report) error) error {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := fn(f, rep); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}
	if jsonPath != "" {
		if err := write(jsonPath, report.WriteJSON); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if xlsxPath != "" {
		if err := write(xlsxPath, report.WriteXLSX); err != nil {
			return fmt.Errorf("write workbook: %w", err)
		}
	}
	return nil
}
