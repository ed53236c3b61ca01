// Package policy implements the rule-based step risk classifier used when
// no external LLM validator is configured (§4.3 "Risk classification").
//
// Grounded on processor/workflow-orchestrator/rules.go's YAML-loaded rule
// set: a Condition/Action pair with $entity.* substitution. That shape is
// generalized here from "match a LoopState, publish a subject" to "match a
// Step's {gear, action}, emit a category and risk level," with composite
// rules layered on top for risk escalation.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category is one of the step-action categories the classifier recognizes.
type Category string

const (
	CategoryReadFiles        Category = "read_files"
	CategoryWriteFiles       Category = "write_files"
	CategoryDeleteFiles      Category = "delete_files"
	CategoryNetworkRequest   Category = "network_request"
	CategoryShell            Category = "shell"
	CategoryPayment          Category = "payment"
	CategoryCredentialAccess Category = "credential_access"
	CategoryUnknown          Category = "unknown"
)

// RiskLevel mirrors job.RiskLevel without importing it, keeping this package
// free of a dependency on the job data model (it classifies Steps shaped as
// plain gear/action strings, not job.Step values, so callers in pipeline can
// adapt either direction without an import cycle).
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rule matches a step's {gear, action} pair (exact or "*" wildcard on
// either field) and assigns a category and risk level.
type Rule struct {
	Name      string    `yaml:"name"`
	Gear      string    `yaml:"gear"`
	Action    string    `yaml:"action"`
	Category  Category  `yaml:"category"`
	RiskLevel RiskLevel `yaml:"riskLevel"`
}

// Matches reports whether r applies to the given gear/action pair.
func (r Rule) Matches(gear, action string) bool {
	if r.Gear != "*" && !strings.EqualFold(r.Gear, gear) {
		return false
	}
	if r.Action != "*" && !strings.EqualFold(r.Action, action) {
		return false
	}
	return true
}

// CompositeRule raises the risk of a step when a prior step's category in
// the same plan matches Precedes (e.g. credential_access followed by
// network_request escalates to critical).
type CompositeRule struct {
	Name      string    `yaml:"name"`
	Precedes  Category  `yaml:"precedes"`
	Then      Category  `yaml:"then"`
	RiskLevel RiskLevel `yaml:"riskLevel"`
}

// RulesFile is the on-disk YAML shape, mirroring RulesFile's
// version/rules/retry structure but specialized to risk classification.
type RulesFile struct {
	Version    string          `yaml:"version"`
	Rules      []Rule          `yaml:"rules"`
	Composites []CompositeRule `yaml:"composites"`
	Default    RiskLevel       `yaml:"default"`
}

// LoadRules reads and parses a risk-rules YAML file from disk.
func LoadRules(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if rf.Default == "" {
		rf.Default = RiskMedium
	}
	return &rf, nil
}

// DefaultRules is the built-in rule table used when no rules file is
// configured, covering the category list named in §4.3.
func DefaultRules() *RulesFile {
	return &RulesFile{
		Version: "built-in",
		Default: RiskMedium,
		Rules: []Rule{
			{Name: "read", Gear: "*", Action: "read_file", Category: CategoryReadFiles, RiskLevel: RiskLow},
			{Name: "list", Gear: "*", Action: "list_files", Category: CategoryReadFiles, RiskLevel: RiskLow},
			{Name: "write", Gear: "*", Action: "write_file", Category: CategoryWriteFiles, RiskLevel: RiskMedium},
			{Name: "delete", Gear: "*", Action: "delete_file", Category: CategoryDeleteFiles, RiskLevel: RiskHigh},
			{Name: "http", Gear: "*", Action: "http_request", Category: CategoryNetworkRequest, RiskLevel: RiskMedium},
			{Name: "fetch", Gear: "*", Action: "web_fetch", Category: CategoryNetworkRequest, RiskLevel: RiskMedium},
			{Name: "shell", Gear: "*", Action: "run_command", Category: CategoryShell, RiskLevel: RiskHigh},
			{Name: "payment", Gear: "*", Action: "charge", Category: CategoryPayment, RiskLevel: RiskCritical},
			{Name: "secrets", Gear: "*", Action: "read_secret", Category: CategoryCredentialAccess, RiskLevel: RiskHigh},
		},
		Composites: []CompositeRule{
			{Name: "credential-then-network", Precedes: CategoryCredentialAccess, Then: CategoryNetworkRequest, RiskLevel: RiskCritical},
			{Name: "shell-then-network", Precedes: CategoryShell, Then: CategoryNetworkRequest, RiskLevel: RiskCritical},
		},
	}
}
