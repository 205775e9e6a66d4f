// Command runtime_smoke drives a running goloom daemon end to end: it
// attaches as an agent runtime, submits a flow targeting its own session,
// answers the delivered turns, and waits for the job to complete.
//
//	go run ./tools/verify/runtime_smoke --base http://127.0.0.1:18891
//
// Exit status is 0 only when the job reaches COMPLETED.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wireFrame mirrors the daemon's session frame format.
type wireFrame struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	TraceID        string `json:"traceId,omitempty"`
	JobID          string `json:"jobId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	From           string `json:"from,omitempty"`
	Message        string `json:"message,omitempty"`
	Turn           int    `json:"turn,omitempty"`
	AwaitReply     bool   `json:"awaitReply,omitempty"`
}

type jobView struct {
	JobID         string `json:"jobId"`
	Status        string `json:"status"`
	CurrentTurn   int    `json:"currentTurn"`
	FailureReason string `json:"failureReason"`
}

func main() {
	base := flag.String("base", "http://127.0.0.1:18891", "daemon base URL")
	apiKey := flag.String("api-key", "", "API key, when gateway auth is enabled")
	sessionKey := flag.String("session-key", "smoke-target", "session key the tool attaches under")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}

	if err := checkHealth(ctx, client, *base); err != nil {
		fail("healthz", err)
	}
	check("daemon healthy")

	wsURL, err := attachURL(*base, *sessionKey, *apiKey)
	if err != nil {
		fail("attach url", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		fail("session attach", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "smoke done")
	check("session attached key=" + *sessionKey)

	go answerTurns(ctx, conn)

	jobID, err := submitFlow(ctx, client, *base, *apiKey, *sessionKey)
	if err != nil {
		fail("flow submit", err)
	}
	check("flow accepted job_id=" + jobID)

	job, err := awaitTerminal(ctx, client, *base, *apiKey, jobID)
	if err != nil {
		fail("job poll", err)
	}
	if job.Status != "COMPLETED" {
		fail("job outcome", fmt.Errorf("status %s after turn %d: %s",
			job.Status, job.CurrentTurn, job.FailureReason))
	}
	check(fmt.Sprintf("job completed after %d turn(s)", job.CurrentTurn))

	fmt.Println("VERDICT PASS")
}

// attachURL rewrites the HTTP base into the sessions websocket endpoint.
// Gateway auth reads api_key from the query for websocket clients.
func attachURL(base, sessionKey, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/v1/sessions/attach"
	q := url.Values{"session_key": {sessionKey}, "agent_id": {"runtime-smoke"}}
	if apiKey != "" {
		q.Set("api_key", apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// answerTurns plays the agent runtime: every awaited turn gets an
// immediate reply so the flow can run to completion.
func answerTurns(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame wireFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		if frame.Type != "turn" {
			continue
		}
		check(fmt.Sprintf("turn %d delivered from=%s trace=%s", frame.Turn, frame.From, frame.TraceID))
		if !frame.AwaitReply {
			continue
		}
		reply := wireFrame{
			Type:           "reply",
			ID:             frame.ID,
			ConversationID: frame.ConversationID,
			Message:        "received, nothing further needed",
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			return
		}
	}
}

func checkHealth(ctx context.Context, client *http.Client, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func submitFlow(ctx context.Context, client *http.Client, base, apiKey, sessionKey string) (string, error) {
	// A question intent keeps the await-reply path exercised.
	body, err := json.Marshal(map[string]any{
		"targetSessionKey": sessionKey,
		"message":          "smoke check: are you receiving turns?",
		"maxPingPongTurns": 2,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/flows", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var job jobView
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", err
	}
	if job.JobID == "" {
		return "", fmt.Errorf("response carried no job id")
	}
	return job.JobID, nil
}

func awaitTerminal(ctx context.Context, client *http.Client, base, apiKey, jobID string) (jobView, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return jobView{}, ctx.Err()
		case <-ticker.C:
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/jobs/"+jobID, nil)
		if err != nil {
			return jobView{}, err
		}
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return jobView{}, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return jobView{}, fmt.Errorf("job fetch status %d", resp.StatusCode)
		}
		var job jobView
		decodeErr := json.NewDecoder(resp.Body).Decode(&job)
		resp.Body.Close()
		if decodeErr != nil {
			return jobView{}, decodeErr
		}
		if isTerminal(job.Status) {
			return job, nil
		}
	}
}

func isTerminal(status string) bool {
	switch status {
	case "COMPLETED", "FAILED", "ABANDONED":
		return true
	}
	return false
}

func check(msg string) {
	fmt.Println("CHECK " + msg)
}

func fail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}
