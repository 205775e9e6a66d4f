package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "emit the report as JSON")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: goloom doctor [--json]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return 2
	}

	var cfgPtr *config.Config
	if cfg, err := config.Load(); err != nil {
		// The checks still run; several of them report why loading failed.
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			return 1
		}
		return 0
	}
	return renderDoctorReport(os.Stdout, diag)
}

// renderDoctorReport prints the human report and returns the exit code:
// nonzero when any check failed.
func renderDoctorReport(w io.Writer, diag doctor.Diagnosis) int {
	fmt.Fprintf(w, "goloom doctor report, %s\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "system %s/%s, %s, goloom %s\n\n",
		diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	failed := 0
	for _, res := range diag.Results {
		if res.Status == "FAIL" {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", doctorIcon(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(tw, "\t\t%s\n", res.Detail)
		}
	}
	tw.Flush()

	if failed > 0 {
		fmt.Fprintf(w, "\n%d check(s) failed\n", failed)
		return 1
	}
	return 0
}

func doctorIcon(status string) string {
	switch status {
	case "FAIL":
		return "❌"
	case "WARN":
		return "⚠️ "
	case "SKIP":
		return "⏩"
	default:
		return "✅"
	}
}
