package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/flow"
)

func runJobsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	statusFilter := fs.String("status", "", "filter by status (PENDING, RUNNING, COMPLETED, FAILED, ABANDONED)")
	jsonOut := fs.Bool("json", false, "print the raw JSON response")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: goloom jobs [--status <STATUS>] [--json]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	jobsURL := baseURL(cfg.BindAddr) + "/api/v1/jobs"
	if *statusFilter != "" {
		jobsURL += "?status=" + url.QueryEscape(strings.ToUpper(strings.TrimSpace(*statusFilter)))
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, jobsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v (is goloom -daemon running?)\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		fmt.Fprintf(os.Stderr, "jobs: daemon returned %d: %s\n", resp.StatusCode, payload.Error)
		return 1
	}

	var payload struct {
		Jobs  []flow.JobRecord `json:"jobs"`
		Count int              `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		fmt.Fprintf(os.Stderr, "jobs: decode response: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(payload)
		return 0
	}

	if len(payload.Jobs) == 0 {
		fmt.Println("no jobs")
		return 0
	}
	printJobsTable(os.Stdout, payload.Jobs)
	return 0
}

func printJobsTable(out io.Writer, jobs []flow.JobRecord) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATUS\tTURN\tSESSION\tAGE\tDETAIL")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			shortID(job.JobID),
			job.Status,
			job.CurrentTurn,
			job.MaxPingPongTurns,
			job.TargetSessionKey,
			formatAge(time.Since(job.CreatedAt)),
			jobDetail(job),
		)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func jobDetail(job flow.JobRecord) string {
	switch job.Status {
	case flow.JobStatusFailed, flow.JobStatusAbandoned:
		return truncateDetail(job.FailureReason, 48)
	default:
		return truncateDetail(job.Message, 48)
	}
}

func truncateDetail(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
