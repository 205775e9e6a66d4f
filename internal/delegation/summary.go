package delegation

// Summary aggregates the state of a job's delegations.
type Summary struct {
	Total      int  `json:"total"`
	Completed  int  `json:"completed"`
	Verified   int  `json:"verified"`
	Failed     int  `json:"failed"`
	Running    int  `json:"running"`
	AllSettled bool `json:"allSettled"`
}

// Summarize rolls delegations up into counts. Running covers everything
// still in motion (spawned, running, retrying); Failed covers failed and
// abandoned. A rejected delegation counts toward neither bucket until it is
// retried or abandoned, because the spawning agent may still act on the
// rejection itself. AllSettled is true only when nothing can move again
// without outside intervention: every record is terminal or rejected.
func Summarize(delegations []Record) Summary {
	summary := Summary{Total: len(delegations)}
	settled := true
	for _, d := range delegations {
		switch d.Status {
		case StatusSpawned, StatusRunning, StatusRetrying:
			summary.Running++
		case StatusCompleted:
			summary.Completed++
		case StatusVerified:
			summary.Verified++
		case StatusFailed, StatusAbandoned:
			summary.Failed++
		}
		if !d.Status.IsTerminal() && d.Status != StatusRejected {
			settled = false
		}
	}
	summary.AllSettled = settled
	return summary
}
