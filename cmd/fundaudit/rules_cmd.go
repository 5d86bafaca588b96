package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/fundaudit/pkg/aggregate"
	"github.com/Mindburn-Labs/fundaudit/pkg/auth"
	"github.com/Mindburn-Labs/fundaudit/pkg/config"
	"github.com/Mindburn-Labs/fundaudit/pkg/rules"
)

// runRulesCmd implements `fundaudit rules`: it loads and validates the rule
// configuration and lists the registry.
func runRulesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rules", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		rulesPath  string
		jsonOutput bool
	)
	cmd.StringVar(&rulesPath, "rules", "", "Rule configuration file (default: FUNDAUDIT_RULES or built-in rules)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output rules as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogger(cfg, stderr)
	if rulesPath == "" {
		rulesPath = cfg.RulesPath
	}

	list, err := rules.Load(rulesPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	reg, err := rules.NewRegistryFrom(list)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(reg.All(), "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RULE\tTYPE\tSEVERITY\tREQUIRED\tPARAMETERS")
	for _, r := range reg.All() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.ID, r.ValidationType, r.Severity, r.Required, formatParams(r.Parameters))
	}
	_ = tw.Flush()
	return 0
}

func formatParams(p rules.Parameters) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}

// runClassifyCmd implements `fundaudit classify VALUE`.
func runClassifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("classify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var region string
	cmd.StringVar(&region, "region", "", "Use this region's profile thresholds (FUNDAUDIT_PROFILES)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: fundaudit classify [--region CODE] VALUE")
		return 2
	}
	value, err := decimal.NewFromString(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid proportion %q: %v\n", cmd.Arg(0), err)
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	th, err := classifyThresholds(cfg, region)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	c := th.ClassifyMetric(aggregate.Defined(value))
	_, _ = fmt.Fprintf(stdout, "%s (min %s, max %s)\n", c, th.Min, th.Max)
	return 0
}

// classifyThresholds picks the region profile thresholds when one exists.
func classifyThresholds(cfg *config.Config, region string) (aggregate.Thresholds, error) {
	if region == "" || cfg.ProfilesDir == "" {
		return cfg.Thresholds, nil
	}
	p, err := config.LoadProfile(cfg.ProfilesDir, region)
	if err != nil {
		return aggregate.Thresholds{}, err
	}
	if p.Thresholds == nil {
		return cfg.Thresholds, nil
	}
	return *p.Thresholds, nil
}

// runTokenCmd implements `fundaudit token`: it signs an actor token with
// FUNDAUDIT_TOKEN_SECRET for use with `run --token`.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		roles   multiFlag
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "sub", "", "Actor id (REQUIRED)")
	cmd.Var(&roles, "role", "Role claim (repeatable)")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --sub is required")
		return 2
	}
	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.TokenSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: FUNDAUDIT_TOKEN_SECRET is not set")
		return 2
	}
	tok, err := auth.NewTokenValidator(cfg.TokenSecret, cfg.TokenIssuer).Issue(subject, roles, ttl, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
