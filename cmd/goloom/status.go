package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/tui"
)

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "live dashboard, refreshed every second")
	jsonOut := fs.Bool("json", false, "print the raw /healthz response")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: goloom status [--watch] [--json]")
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
	base := baseURL(cfg.BindAddr)

	// On a terminal the dashboard is the default; piped output and
	// --json get the plain healthz body.
	dashboard := *watch || (!*jsonOut && isatty.IsTerminal(os.Stdout.Fd()))
	if dashboard {
		if err := tui.Run(ctx, httpStatusProvider(base)); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		return 0
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// baseURL normalizes a bind address into an http base URL.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18891"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		// A wildcard bind is reachable locally via loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// httpStatusProvider feeds the dashboard from the daemon's healthz and
// metrics endpoints.
func httpStatusProvider(base string) tui.StatusProvider {
	client := &http.Client{Timeout: 2 * time.Second}
	return func() tui.Snapshot {
		snap := tui.Snapshot{FetchedAt: time.Now()}

		var health struct {
			Healthy bool `json:"healthy"`
			StoreOK bool `json:"store_ok"`
		}
		if err := fetchJSON(client, base+"/healthz", &health); err != nil {
			snap.Err = err.Error()
			return snap
		}
		snap.Reachable = true
		snap.Healthy = health.Healthy
		snap.StoreOK = health.StoreOK

		var metrics struct {
			JobsTotal     int `json:"jobs_total"`
			JobsPending   int `json:"jobs_pending"`
			JobsRunning   int `json:"jobs_running"`
			JobsCompleted int `json:"jobs_completed"`
			JobsFailed    int `json:"jobs_failed"`
			JobsAbandoned int `json:"jobs_abandoned"`
			GateLimit     int `json:"gate_limit"`
			GateInUse     int `json:"gate_in_use"`
			GateWaiting   int `json:"gate_waiting"`
			AcksPending   int `json:"acks_pending"`
			AgentCount    int `json:"agent_count"`
			JournalEvents int `json:"journal_events"`
		}
		if err := fetchJSON(client, base+"/metrics", &metrics); err != nil {
			snap.Err = err.Error()
			return snap
		}
		snap.JobsTotal = metrics.JobsTotal
		snap.JobsPending = metrics.JobsPending
		snap.JobsRunning = metrics.JobsRunning
		snap.JobsCompleted = metrics.JobsCompleted
		snap.JobsFailed = metrics.JobsFailed
		snap.JobsAbandoned = metrics.JobsAbandoned
		snap.GateLimit = metrics.GateLimit
		snap.GateInUse = metrics.GateInUse
		snap.GateWaiting = metrics.GateWaiting
		snap.AcksPending = metrics.AcksPending
		snap.AgentCount = metrics.AgentCount
		snap.JournalEvents = metrics.JournalEvents
		return snap
	}
}

// fetchJSON decodes a JSON response body into v. Non-2xx responses
// still decode; healthz reports 503 with a body when degraded.
func fetchJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
