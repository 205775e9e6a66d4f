// Command stream_check validates a running daemon's event stream
// contract: credentialless dials are refused when auth is on, topic
// filtering holds, and a subscriber sees the flow.spawned event for a
// submission made after it attached.
//
//	go run ./tools/verify/stream_check --base http://127.0.0.1:18891
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
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamEvent mirrors the gateway's stream frame. Payload stays raw so
// each topic can be decoded by its own shape.
type streamEvent struct {
	Topic   string          `json:"topic"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	base := flag.String("base", "http://127.0.0.1:18891", "daemon base URL")
	apiKey := flag.String("api-key", "", "API key, when gateway auth is enabled")
	timeout := flag.Duration("timeout", 10*time.Second, "overall deadline")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *apiKey != "" {
		if err := expectUnauthorized(ctx, *base); err != nil {
			fail("auth rejection", err)
		}
		fmt.Println("CHECK credentialless dial refused")
	}

	streamAddr, err := streamURL(*base, *apiKey, "flow.")
	if err != nil {
		fail("stream url", err)
	}
	conn, _, err := websocket.Dial(ctx, streamAddr, nil)
	if err != nil {
		fail("stream dial", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream check done")
	fmt.Println("CHECK stream attached topic=flow.")

	jobID, err := submitMarkerFlow(ctx, *base, *apiKey)
	if err != nil {
		fail("flow submit", err)
	}
	fmt.Println("CHECK flow accepted job_id=" + jobID)

	if err := awaitSpawnedEvent(ctx, conn, jobID); err != nil {
		fail("event delivery", err)
	}
	fmt.Println("CHECK flow.spawned observed for job_id=" + jobID)

	fmt.Println("VERDICT PASS")
}

// expectUnauthorized dials the stream without credentials and demands a
// 401 before the upgrade.
func expectUnauthorized(ctx context.Context, base string) error {
	addr, err := streamURL(base, "", "")
	if err != nil {
		return err
	}
	conn, resp, err := websocket.Dial(ctx, addr, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("dial without a key succeeded; is auth enabled on the daemon?")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("want 401, got %v (%v)", resp, err)
	}
	return nil
}

func streamURL(base, apiKey, topicPrefix string) (string, error) {
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
	u.Path = "/api/v1/events"
	q := url.Values{}
	if topicPrefix != "" {
		q.Set("topic", topicPrefix)
	}
	if apiKey != "" {
		q.Set("api_key", apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func submitMarkerFlow(ctx context.Context, base, apiKey string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"targetSessionKey": "stream-check-target",
		"message":          "stream check marker",
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
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var job struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", err
	}
	if job.JobID == "" {
		return "", fmt.Errorf("response carried no job id")
	}
	return job.JobID, nil
}

// awaitSpawnedEvent reads frames until the spawned event for jobID shows
// up. Every frame must honor the flow. topic filter.
func awaitSpawnedEvent(ctx context.Context, conn *websocket.Conn, jobID string) error {
	for {
		var event streamEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		if !strings.HasPrefix(event.Topic, "flow.") {
			return fmt.Errorf("topic filter leaked %q", event.Topic)
		}
		if event.Ts.IsZero() {
			return fmt.Errorf("event %s carries no timestamp", event.Topic)
		}
		if event.Topic != "flow.spawned" {
			continue
		}
		var payload struct {
			JobID string
		}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Topic, err)
		}
		if payload.JobID == jobID {
			return nil
		}
	}
}

func fail(stage string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}
