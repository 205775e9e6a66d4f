package delegation

import "testing"

func mkStatus(status Status) Record {
	r, _ := New(CreateParams{RunID: "run", TargetAgentID: "scout"})
	r.Status = status
	return r
}

func TestSummarize_Buckets(t *testing.T) {
	all := []Record{
		mkStatus(StatusSpawned),
		mkStatus(StatusRunning),
		mkStatus(StatusRetrying),
		mkStatus(StatusCompleted),
		mkStatus(StatusVerified),
		mkStatus(StatusFailed),
		mkStatus(StatusAbandoned),
		mkStatus(StatusRejected),
	}

	got := Summarize(all)
	if got.Total != 8 {
		t.Fatalf("total = %d, want 8", got.Total)
	}
	if got.Running != 3 {
		t.Fatalf("running = %d, want 3 (spawned + running + retrying)", got.Running)
	}
	if got.Completed != 1 {
		t.Fatalf("completed = %d, want 1", got.Completed)
	}
	if got.Verified != 1 {
		t.Fatalf("verified = %d, want 1", got.Verified)
	}
	if got.Failed != 2 {
		t.Fatalf("failed = %d, want 2 (failed + abandoned)", got.Failed)
	}
	if got.AllSettled {
		t.Fatal("allSettled must be false while work is in motion")
	}
}

func TestSummarize_RejectedCountsNowhere(t *testing.T) {
	got := Summarize([]Record{mkStatus(StatusRejected)})
	if got.Running != 0 || got.Failed != 0 {
		t.Fatalf("rejected counted as running=%d failed=%d, want neither", got.Running, got.Failed)
	}
}

func TestSummarize_AllSettled(t *testing.T) {
	cases := []struct {
		name     string
		statuses []Status
		want     bool
	}{
		{"empty", nil, true},
		{"all terminal", []Status{StatusVerified, StatusAbandoned}, true},
		{"rejected counts as settled", []Status{StatusVerified, StatusRejected}, true},
		{"completed is not settled", []Status{StatusCompleted}, false},
		{"failed is not settled", []Status{StatusFailed}, false},
		{"one straggler", []Status{StatusVerified, StatusRunning}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var all []Record
			for _, s := range tc.statuses {
				all = append(all, mkStatus(s))
			}
			if got := Summarize(all); got.AllSettled != tc.want {
				t.Fatalf("allSettled = %v, want %v", got.AllSettled, tc.want)
			}
		})
	}
}
