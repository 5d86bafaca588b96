package main

import (
	"fmt"
	"io"
	"os"
)

// Version is stamped into usage output and telemetry.
const Version = "v0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success, compliant, chain intact
//	1 = non-compliant run or failed verification
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run", "evaluate":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "rules":
		return runRulesCmd(args[2:], stdout, stderr)
	case "classify":
		return runClassifyCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sfundaudit %s%s\n", ColorBold+ColorBlue, Version, ColorReset)
	fmt.Fprintf(w, "%sFunding compliance evaluation with a tamper-evident audit trail.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  fundaudit <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "EVALUATION")
	printCommand(w, "run", "Evaluate funding records (--data, --rules, --format, --json)")
	printCommand(w, "rules", "List the active rule registry (--rules, --json)")
	printCommand(w, "classify", "Classify a funding proportion against thresholds")

	printSection(w, "AUDIT")
	printCommand(w, "verify", "Verify every audit entry and the hash chain (--json)")
	printCommand(w, "export", "Export an evidence pack (--out, --upload)")
	printCommand(w, "token", "Issue a signed actor token (--sub, --role, --ttl)")

	printSection(w, "ENVIRONMENT")
	printCommand(w, "FUNDAUDIT_CONFIG", "YAML file overlaid on the environment")
	printCommand(w, "AUDIT_SINK", "memory | file | sqlite | postgres")
	printCommand(w, "DATABASE_URL", "Postgres DSN for the audit sink")
	printCommand(w, "REDIS_ADDR", "Shared project history cache")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-18s %s\n", name, desc)
}

// multiFlag allows repeatable flag values (e.g. --role auditor --role admin).
type multiFlag []string

func (f *multiFlag) String() string { return fmt.Sprintf("%v", *f) }
func (f *multiFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}
