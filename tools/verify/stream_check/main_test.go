package main

import "testing"

func TestStreamURL(t *testing.T) {
	tests := []struct {
		name        string
		base        string
		apiKey      string
		topicPrefix string
		want        string
		wantErr     bool
	}{
		{
			name:        "http with topic",
			base:        "http://127.0.0.1:18891",
			topicPrefix: "flow.",
			want:        "ws://127.0.0.1:18891/api/v1/events?topic=flow.",
		},
		{
			name:        "https with key and topic",
			base:        "https://loom.internal:8443",
			apiKey:      "k1",
			topicPrefix: "flow.",
			want:        "wss://loom.internal:8443/api/v1/events?api_key=k1&topic=flow.",
		},
		{
			name: "bare dial",
			base: "http://127.0.0.1:18891",
			want: "ws://127.0.0.1:18891/api/v1/events",
		},
		{
			name:    "unsupported scheme",
			base:    "ftp://127.0.0.1:18891",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := streamURL(tt.base, tt.apiKey, tt.topicPrefix)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("streamURL(%q) = %q, want error", tt.base, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("streamURL(%q): %v", tt.base, err)
			}
			if got != tt.want {
				t.Fatalf("streamURL(%q) = %q, want %q", tt.base, got, tt.want)
			}
		})
	}
}
