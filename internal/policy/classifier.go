package policy

import (
	"fmt"
)

// StepInput is the minimal step shape the classifier needs: gear, action,
// and declared risk level (the planner's own assertion, which the
// classifier may escalate but never silently downgrade).
type StepInput struct {
	ID           string
	Gear         string
	Action       string
	DeclaredRisk RiskLevel
}

// StepVerdict is one step's classification outcome, matching the shape
// the validator's reply carries per step (§3 "per-step result").
type StepVerdict struct {
	StepID    string
	Category  Category
	RiskLevel RiskLevel
	Reasoning string
}

// riskRank orders RiskLevel for max() comparisons (escalation only ever
// raises, never lowers, a step's risk).
var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

func maxRisk(a, b RiskLevel) RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// Classifier applies a RulesFile to a plan's steps in order, matching each
// against the rule table and then escalating via composite rules (§4.3
// "Composite rules raise risk").
type Classifier struct {
	rules *RulesFile
}

// NewClassifier builds a Classifier from rf. A nil rf uses DefaultRules.
func NewClassifier(rf *RulesFile) *Classifier {
	if rf == nil {
		rf = DefaultRules()
	}
	return &Classifier{rules: rf}
}

// ClassifyStep applies the base rule table to one step, without composite
// escalation (see ClassifyPlan for the plan-wide pass that adds it).
func (c *Classifier) ClassifyStep(s StepInput) StepVerdict {
	for _, rule := range c.rules.Rules {
		if rule.Matches(s.Gear, s.Action) {
			risk := maxRisk(rule.RiskLevel, s.DeclaredRisk)
			return StepVerdict{
				StepID:    s.ID,
				Category:  rule.Category,
				RiskLevel: risk,
				Reasoning: fmt.Sprintf("matched rule %q (%s/%s)", rule.Name, s.Gear, s.Action),
			}
		}
	}
	return StepVerdict{
		StepID:    s.ID,
		Category:  CategoryUnknown,
		RiskLevel: maxRisk(c.rules.Default, s.DeclaredRisk),
		Reasoning: fmt.Sprintf("no rule matched %s/%s; applied default", s.Gear, s.Action),
	}
}

// ClassifyPlan classifies every step, then applies composite rules: if an
// earlier step's category equals a composite's Precedes and a later step's
// category equals its Then, the later step's risk is escalated.
func (c *Classifier) ClassifyPlan(steps []StepInput) []StepVerdict {
	verdicts := make([]StepVerdict, len(steps))
	for i, s := range steps {
		verdicts[i] = c.ClassifyStep(s)
	}

	seen := make(map[Category]bool)
	for i := range verdicts {
		for _, comp := range c.rules.Composites {
			if seen[comp.Precedes] && verdicts[i].Category == comp.Then {
				if riskRank[comp.RiskLevel] > riskRank[verdicts[i].RiskLevel] {
					verdicts[i].RiskLevel = comp.RiskLevel
					verdicts[i].Reasoning = fmt.Sprintf("%s; escalated by composite rule %q", verdicts[i].Reasoning, comp.Name)
				}
			}
		}
		seen[verdicts[i].Category] = true
	}
	return verdicts
}

// OverallRisk reduces a set of step verdicts to the single highest risk
// level, matching §3's Validation.overallRisk field.
func OverallRisk(verdicts []StepVerdict) RiskLevel {
	overall := RiskLow
	for _, v := range verdicts {
		overall = maxRisk(overall, v.RiskLevel)
	}
	return overall
}
