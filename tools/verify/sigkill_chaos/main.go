// sigkill_chaos verifies goloom's crash recovery. It builds the daemon,
// boots it in a scratch home, seeds job records behind its back, SIGKILLs
// it, restarts it, and checks that
//   - a RUNNING job stale past the reaper window was abandoned
//   - a fresh RUNNING job was reset and relaunched (resume count bumped)
//   - the event journal passes PRAGMA integrity_check
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/go-loom/internal/flow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	root, err := moduleRoot()
	if err != nil {
		return err
	}

	binDir, err := os.MkdirTemp("", "goloom-chaos-bin-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "goloom")

	fmt.Println("BUILD goloom binary")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/goloom")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	home, err := os.MkdirTemp("", "goloom-chaos-home-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(home)

	addr, err := pickFreeAddr()
	if err != nil {
		return err
	}
	cfg := fmt.Sprintf("bind_addr: %q\nlog_level: info\n", addr)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	env := append(os.Environ(), "GOLOOM_HOME="+home)

	fmt.Println("START daemon (first run)")
	first, err := startDaemon(binPath, env)
	if err != nil {
		return err
	}
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		stopHard(first)
		return fmt.Errorf("first run never got healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	// Seed two RUNNING jobs directly in the store. The daemon is idle, so
	// nothing races the writes; only a restart reconciles them.
	if err := seedJobs(home); err != nil {
		stopHard(first)
		return err
	}

	fmt.Println("SIGKILL daemon")
	if err := first.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = first.Wait()
	time.Sleep(500 * time.Millisecond)

	fmt.Println("RESTART daemon")
	second, err := startDaemon(binPath, env)
	if err != nil {
		return err
	}
	defer stopGraceful(second)
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		return fmt.Errorf("restarted daemon never got healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")

	// The reaper runs before the gateway serves, so a healthy daemon has
	// already reconciled the store.
	if err := verifyRecovery(home); err != nil {
		return err
	}
	return verifyJournal(filepath.Join(home, "journal.db"))
}

const (
	staleJobID = "chaos-stale"
	freshJobID = "chaos-fresh"
)

func seedJobs(home string) error {
	store, err := flow.NewStore(filepath.Join(home, "jobs"), slog.New(slog.DiscardHandler))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	now := time.Now().UTC()
	longAgo := now.Add(-2 * time.Hour)
	records := []*flow.JobRecord{
		{
			JobID:            staleJobID,
			TargetSessionKey: "chaos-target",
			Message:          "orphaned before the crash",
			Status:           flow.JobStatusRunning,
			MaxPingPongTurns: 1,
			CreatedAt:        longAgo,
			UpdatedAt:        longAgo,
		},
		{
			JobID:            freshJobID,
			TargetSessionKey: "chaos-target",
			Message:          "mid-flight at the crash: still there?",
			Status:           flow.JobStatusRunning,
			MaxPingPongTurns: 1,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
	}
	for _, record := range records {
		if err := store.Save(record); err != nil {
			return fmt.Errorf("seed %s: %w", record.JobID, err)
		}
		fmt.Printf("SEEDED %s status=%s\n", record.JobID, record.Status)
	}
	return nil
}

func verifyRecovery(home string) error {
	store, err := flow.NewStore(filepath.Join(home, "jobs"), slog.New(slog.DiscardHandler))
	if err != nil {
		return fmt.Errorf("reopen store: %w", err)
	}

	stale, err := store.Load(staleJobID)
	if err != nil {
		return fmt.Errorf("load %s: %w", staleJobID, err)
	}
	if stale == nil {
		return fmt.Errorf("job %s vanished from the store", staleJobID)
	}
	fmt.Printf("RECOVERED %s status=%s\n", stale.JobID, stale.Status)
	if stale.Status != flow.JobStatusAbandoned {
		return fmt.Errorf("stale job should be ABANDONED, got %s", stale.Status)
	}
	if stale.FinishedAt == nil {
		return fmt.Errorf("abandoned job carries no finish time")
	}

	fresh, err := store.Load(freshJobID)
	if err != nil {
		return fmt.Errorf("load %s: %w", freshJobID, err)
	}
	if fresh == nil {
		return fmt.Errorf("job %s vanished from the store", freshJobID)
	}
	fmt.Printf("RECOVERED %s status=%s resume_count=%d\n", fresh.JobID, fresh.Status, fresh.ResumeCount)
	if fresh.ResumeCount != 1 {
		return fmt.Errorf("fresh job should have been reset once, resume_count=%d", fresh.ResumeCount)
	}
	return nil
}

func verifyJournal(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check;").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("JOURNAL integrity_check=%s\n", result)
	if result != "ok" {
		return fmt.Errorf("journal integrity check failed: %s", result)
	}
	return nil
}

func startDaemon(binPath string, env []string) (*exec.Cmd, error) {
	cmd := exec.Command(binPath, "-daemon")
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}
	return cmd, nil
}

func stopHard(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

func stopGraceful(cmd *exec.Cmd) {
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		stopHard(cmd)
	}
}

func moduleRoot() (string, error) {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		return "", fmt.Errorf("go env GOMOD: %w", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		return "", fmt.Errorf("run from inside the module: go env GOMOD is empty")
	}
	return filepath.Dir(gomod), nil
}

func pickFreeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr, nil
}

func waitHealthy(addr string, timeout time.Duration) error {
	url := fmt.Sprintf("http://%s/healthz", addr)
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("no healthy response from %s within %v", addr, timeout)
}
