package pipeline

import (
	"regexp"
	"strings"
)

// planShapePattern flags a fast-path reply that looks like it leaked a
// structured plan instead of plain text (§4.3 step 2a).
var planShapePattern = regexp.MustCompile(`"(steps|gear|riskLevel)"\s*:`)

// deferredActionPhrases are the fixed "I already did X" phrases the source's
// two fast-path verifiers agree on (§4.3 step 2c; see the REDESIGN FLAGS
// note about the source's two slightly different verifiers — this list is
// the single codified set).
var deferredActionPhrases = []string{
	"i already did",
	"i've already done",
	"i have already done",
	"i went ahead and",
	"i already completed",
	"i already created",
	"i already saved",
	"i already deleted",
}

// inabilityPhrases are "I cannot access ..." phrases checked only when the
// caller reports at least one available tool (§4.3 step 2d).
var inabilityPhrases = []string{
	"i cannot access",
	"i don't have access",
	"i do not have access",
	"i can't access",
	"i'm unable to access",
}

// VerifyFastPath applies the four structural checks from §4.3 step 2 to a
// fast-path reply's text. toolNames is every gear/action identifier the
// running instance knows about, used for check (b); hasTools gates check (d).
func VerifyFastPath(text string, toolNames []string, hasTools bool) error {
	if planShapePattern.MatchString(text) {
		return &FastPathViolation{Reason: "reply contains JSON matching the plan shape"}
	}

	lower := strings.ToLower(text)
	for _, name := range toolNames {
		if name == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(name)) {
			return &FastPathViolation{Reason: "reply references tool/action identifier " + name}
		}
	}

	for _, phrase := range deferredActionPhrases {
		if strings.Contains(lower, phrase) {
			return &FastPathViolation{Reason: "reply claims a deferred action already performed"}
		}
	}

	if hasTools {
		for _, phrase := range inabilityPhrases {
			if strings.Contains(lower, phrase) {
				return &FastPathViolation{Reason: "reply claims inability despite available tools"}
			}
		}
	}

	return nil
}

// FastPathViolation is returned by VerifyFastPath when a fast-path reply
// fails one of the structural checks.
type FastPathViolation struct {
	Reason string
}

func (e *FastPathViolation) Error() string { return "pipeline: fast-path verification failed: " + e.Reason }
