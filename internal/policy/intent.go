// Package policy decides how much conversation a message deserves: the
// intent classifier picks a turn budget for an inbound message, and the
// termination rules stop a running exchange that has played itself out.
package policy

import (
	"regexp"
	"strings"
)

type Intent string

const (
	IntentNoReply        Intent = "no_reply"
	IntentUrgent         Intent = "urgent"
	IntentCollaboration  Intent = "collaboration"
	IntentQuestion       Intent = "question"
	IntentAcknowledgment Intent = "acknowledgment"
	IntentStatusUpdate   Intent = "status_update"
	IntentDefault        Intent = "default"
)

// TurnsDefer means "use the configured maximum" and TurnsNone means the
// message wants no reply at all.
const (
	TurnsDefer = -1
	TurnsNone  = 0
)

type Classification struct {
	Intent         Intent  `json:"intent"`
	SuggestedTurns int     `json:"suggestedTurns"`
	Confidence     float64 `json:"confidence"`
}

// Classifier is the policy seam: the engine only sees this interface, so
// the rule table below can be swapped for something smarter without
// touching callers.
type Classifier interface {
	Classify(text string) Classification
}

type rule struct {
	intent         Intent
	pattern        *regexp.Regexp
	suggestedTurns int
	confidence     float64
}

// rules are evaluated in order and the first match wins. Explicit control
// tags come first at the highest confidence. Collaboration patterns are
// checked before question patterns: a collaboration request phrased as a
// question is still a collaboration, not a one-shot question.
var rules = []rule{
	{
		intent:         IntentNoReply,
		pattern:        regexp.MustCompile(`(?i)\[(?:no[-_ ]?reply|fyi|silent)\]`),
		suggestedTurns: TurnsNone,
		confidence:     0.95,
	},
	{
		intent:         IntentUrgent,
		pattern:        regexp.MustCompile(`(?i)\[(?:urgent|priority|asap)\]`),
		suggestedTurns: TurnsDefer,
		confidence:     0.95,
	},
	{
		intent:         IntentCollaboration,
		pattern:        regexp.MustCompile(`(?i)\b(?:collaborat\w*|work (?:together|with (?:you|me))|let'?s (?:work|figure|plan|build|design)|brainstorm\w*|pair (?:on|up))\b`),
		suggestedTurns: TurnsDefer,
		confidence:     0.8,
	},
	{
		intent:         IntentQuestion,
		pattern:        regexp.MustCompile(`(?i)(?:\?\s*$|^(?:who|what|when|where|why|how|which|is|are|can|could|would|will|do|does|did|should)\b.*\?)`),
		suggestedTurns: 1,
		confidence:     0.7,
	},
	{
		intent:         IntentAcknowledgment,
		pattern:        regexp.MustCompile(`(?i)^(?:thanks|thank you|thx|ok(?:ay)?|got it|sounds good|will do|ack(?:nowledged)?|perfect|great|lgtm|\+1)[.!\s]*$`),
		suggestedTurns: TurnsNone,
		confidence:     0.75,
	},
	{
		intent:         IntentStatusUpdate,
		pattern:        regexp.MustCompile(`(?i)^(?:fyi|status|update|heads[- ]?up)\b[:\s]`),
		suggestedTurns: TurnsNone,
		confidence:     0.6,
	},
}

// RuleClassifier is the concrete rule-table implementation.
type RuleClassifier struct{}

func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

func (c *RuleClassifier) Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	for _, r := range rules {
		if r.pattern.MatchString(trimmed) {
			return Classification{
				Intent:         r.intent,
				SuggestedTurns: r.suggestedTurns,
				Confidence:     r.confidence,
			}
		}
	}
	return Classification{
		Intent:         IntentDefault,
		SuggestedTurns: TurnsDefer,
		Confidence:     0.3,
	}
}

// ResolveEffectiveTurns turns a classification into the actual budget.
// An explicit skip always wins, a suggestion of zero means no reply, a
// deferred suggestion takes the configured maximum, and anything else is
// capped by the configured maximum.
func ResolveEffectiveTurns(configuredMax int, classification Classification, explicitSkip bool) int {
	if explicitSkip {
		return 0
	}
	switch {
	case classification.SuggestedTurns == TurnsNone:
		return 0
	case classification.SuggestedTurns < 0:
		return configuredMax
	case classification.SuggestedTurns > configuredMax:
		return configuredMax
	default:
		return classification.SuggestedTurns
	}
}
