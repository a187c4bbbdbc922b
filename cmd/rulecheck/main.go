// Package main provides rulecheck, which validates a diagnosis list before it
// is deployed.
//
// Usage:
//
//	rulecheck [-file diagnoseliste.csv] [-codes I63.9,G35] [-export rules.json] [-json]
//
// Exit status is 0 for a usable list, 1 when the list cannot be loaded and 2
// when it loads but holds no BVB or LHB code.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/data"
	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
	"github.com/drfirst/bvb-checker/internal/ruletable"
)

const (
	exitOK       = 0
	exitLoad     = 1
	exitNoListed = 2
	exitUsage    = 64
)

// defaultKnownCodes are codes a complete diagnosis list is expected to contain
const defaultKnownCodes = "I63.9,G35,M79.3,F32.9,M25.9"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// Report is the machine readable result of a check
type Report struct {
	Source       string                       `json:"source"`
	Distribution eligibility.Distribution     `json:"distribution"`
	KnownCodes   []eligibility.KnownCodeCheck `json:"knownCodes"`
	Exported     string                       `json:"exported,omitempty"`
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rulecheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "CSV diagnosis list (default: embedded list)")
	duplicates := fs.String("duplicates", string(ruletable.DuplicatesReject), "duplicate code policy: reject or last-wins")
	sourceVersion := fs.String("source-version", "", "source version for lists without a source_version column")
	codes := fs.String("codes", defaultKnownCodes, "comma separated codes expected in the list")
	export := fs.String("export", "", "write the normalized rules as JSON to this path")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	verbose := fs.Bool("v", false, "log skipped rows")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	policy, err := ruletable.ParseDuplicatePolicy(*duplicates)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	logger := zap.NewNop()
	if *verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
		defer logger.Sync()
	}

	loader := ruletable.DefaultLoaderConfig()
	loader.Duplicates = policy
	loader.DefaultSourceVersion = *sourceVersion
	loader.Logger = logger

	var source ruletable.Source = ruletable.NewBytesSource(data.DiagnosisListName, data.DiagnosisList, loader)
	if *file != "" {
		source = ruletable.NewFileSource(*file, loader)
	}

	table, err := source.Load(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "load failed: %v\n", err)
		return exitLoad
	}

	report := Report{
		Source:       table.Source(),
		Distribution: table.Stats(),
		KnownCodes:   eligibility.ValidateKnownCodes(table, eligibility.NormalizeCodes(*codes)),
	}

	if *export != "" {
		if err := exportRules(table, *export); err != nil {
			fmt.Fprintf(stderr, "export failed: %v\n", err)
			return exitLoad
		}
		report.Exported = *export
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintln(stderr, err)
			return exitLoad
		}
	} else {
		printReport(stdout, report)
	}

	if report.Distribution.BVB+report.Distribution.LHB == 0 {
		fmt.Fprintln(stderr, "no BVB or LHB code in the list, check the data source")
		return exitNoListed
	}
	return exitOK
}

func printReport(w io.Writer, r Report) {
	d := r.Distribution
	fmt.Fprintf(w, "source: %s\n\n", r.Source)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "kind\tcount\tshare")
	for _, row := range []struct {
		kind  string
		count int
	}{{"BVB", d.BVB}, {"LHB", d.LHB}, {"NONE", d.None}} {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", row.kind, row.count, percent(row.count, d.Total))
	}
	fmt.Fprintf(tw, "total\t%d\t\n", d.Total)
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "code\tkind\tstatus")
	for _, c := range r.KnownCodes {
		status, kind := "not found", "-"
		if c.Found {
			kind = string(c.Kind)
			status = "not listed"
			if c.Listed {
				status = "ok"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Code, kind, status)
	}
	tw.Flush()

	if r.Exported != "" {
		fmt.Fprintf(w, "\nexported rules to %s\n", r.Exported)
	}
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func exportRules(table *eligibility.RuleTable, path string) error {
	rules := make([]eligibility.Rule, 0, table.Len())
	for _, code := range table.Codes() {
		r, _ := table.Lookup(code)
		rules = append(rules, r)
	}

	out, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(out, '\n'), 0o644)
}
