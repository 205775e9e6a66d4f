package main

import "testing"

func TestAttachURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		apiKey  string
		want    string
		wantErr bool
	}{
		{
			name: "plain http",
			base: "http://127.0.0.1:18891",
			want: "ws://127.0.0.1:18891/api/v1/sessions/attach?agent_id=runtime-smoke&session_key=smoke-target",
		},
		{
			name: "tls upgrades to wss",
			base: "https://loom.example.com",
			want: "wss://loom.example.com/api/v1/sessions/attach?agent_id=runtime-smoke&session_key=smoke-target",
		},
		{
			name:   "api key rides the query",
			base:   "http://127.0.0.1:18891",
			apiKey: "k-123",
			want:   "ws://127.0.0.1:18891/api/v1/sessions/attach?agent_id=runtime-smoke&api_key=k-123&session_key=smoke-target",
		},
		{name: "unsupported scheme", base: "ftp://host", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := attachURL(tt.base, "smoke-target", tt.apiKey)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("attachURL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("attachURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{"COMPLETED", "FAILED", "ABANDONED"} {
		if !isTerminal(status) {
			t.Errorf("isTerminal(%q) = false", status)
		}
	}
	for _, status := range []string{"PENDING", "RUNNING", "", "completed"} {
		if isTerminal(status) {
			t.Errorf("isTerminal(%q) = true", status)
		}
	}
}
