// Package convroute gives repeated exchanges between the same two agents a
// stable conversation identity. A persisted index maps route keys to the
// newest known conversation, and a thread cache remembers where that
// conversation lives so new messages land in the existing thread.
package convroute

import (
	"fmt"
	"strings"
)

// RouteKey derives the deterministic key for a work session and agent pair.
// Participant order does not matter and comparison is case-folded, so both
// directions of an exchange land on the same key.
func RouteKey(sessionKey, agentA, agentB string) string {
	first, second := PairKeyParts(agentA, agentB)
	return fmt.Sprintf("%s|%s|%s", strings.ToLower(strings.TrimSpace(sessionKey)), first, second)
}

// PairKey is the order-independent key for just the agent pair.
func PairKey(agentA, agentB string) string {
	first, second := PairKeyParts(agentA, agentB)
	return first + "|" + second
}

func PairKeyParts(agentA, agentB string) (string, string) {
	a := strings.ToLower(strings.TrimSpace(agentA))
	b := strings.ToLower(strings.TrimSpace(agentB))
	if a > b {
		a, b = b, a
	}
	return a, b
}
