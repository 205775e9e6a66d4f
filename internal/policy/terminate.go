package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// similarityThreshold: a reply this close to the previous one by word
	// set is treated as the conversation repeating itself.
	similarityThreshold = 0.85

	// minSubstantiveRunes: replies shorter than this that are not
	// questions read as conclusive.
	minSubstantiveRunes = 40
)

var closingPhrasePattern = regexp.MustCompile(`(?i)^(?:thanks|thank you|ok(?:ay)?|got it|sounds good|will do|goodbye|bye|that'?s all|we'?re done|all set|nothing (?:further|else)|no further questions)\b`)

// JaccardSimilarity compares two texts by word set: the size of the
// intersection over the size of the union, over lower-cased whitespace
// tokens. Two empty texts are identical (1); exactly one empty text shares
// nothing (0).
func JaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for word := range setA {
		if _, ok := setB[word]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// ShouldTerminatePingPong decides whether a multi-turn exchange should stop
// after this reply. The returned reason is for logging; it is empty when
// the exchange should continue.
func ShouldTerminatePingPong(reply string, previousReplies []string) (bool, string) {
	trimmed := strings.TrimSpace(reply)

	if len(previousReplies) > 0 {
		last := previousReplies[len(previousReplies)-1]
		if JaccardSimilarity(reply, last) >= similarityThreshold {
			return true, "near-duplicate of previous reply"
		}
	}

	isQuestion := strings.HasSuffix(trimmed, "?")
	if utf8.RuneCountInString(trimmed) < minSubstantiveRunes && !isQuestion {
		return true, "short conclusive reply"
	}

	if closingPhrasePattern.MatchString(trimmed) {
		return true, "closing phrase"
	}

	return false, ""
}

// IdentityResolver reports whether a name belongs to a registered agent.
// The agent registry implements it.
type IdentityResolver interface {
	IsAgent(name string) bool
}

// ShouldRunAnnounce decides whether a flow outcome warrants an external,
// human-facing notification. Announces are suppressed when there is nobody
// to tell, nothing to say, the destination is an internal channel, or both
// parties are agents talking to each other.
func ShouldRunAnnounce(target, latestReply, requester, targetParty string, ids IdentityResolver) bool {
	if strings.TrimSpace(target) == "" {
		return false
	}
	if strings.TrimSpace(latestReply) == "" {
		return false
	}
	if isInternalChannel(target) {
		return false
	}
	if ids != nil && ids.IsAgent(requester) && ids.IsAgent(targetParty) {
		return false
	}
	return true
}

// isInternalChannel flags side channels that exist for agent bookkeeping,
// not for people.
func isInternalChannel(target string) bool {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(target), "#"))
	return strings.HasPrefix(name, "internal") || strings.HasPrefix(name, "_")
}
