package policy

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed policy_schema.json
var policySchemaJSON string

var overrideSchema = jsonschema.MustCompileString("flakeguard-policy.json", policySchemaJSON)

// Override is a parsed .flakeguard.yml document. Nil fields fall through
// to the defaults.
type Override struct {
	WarnThreshold        *float64                `yaml:"warn_threshold" json:"warn_threshold,omitempty"`
	QuarantineThreshold  *float64                `yaml:"quarantine_threshold" json:"quarantine_threshold,omitempty"`
	MinRunsForQuarantine *int                    `yaml:"min_runs_for_quarantine" json:"min_runs_for_quarantine,omitempty"`
	MinRecentFailures    *int                    `yaml:"min_recent_failures" json:"min_recent_failures,omitempty"`
	LookbackDays         *int                    `yaml:"lookback_days" json:"lookback_days,omitempty"`
	RollingWindowSize    *int                    `yaml:"rolling_window_size" json:"rolling_window_size,omitempty"`
	ExcludePaths         []string                `yaml:"exclude_paths" json:"exclude_paths,omitempty"`
	Teams                map[string]TeamOverride `yaml:"teams" json:"teams,omitempty"`
}

// TeamOverride adjusts thresholds for tests owned by one team.
type TeamOverride struct {
	WarnThreshold       *float64 `yaml:"warn_threshold" json:"warn_threshold,omitempty"`
	QuarantineThreshold *float64 `yaml:"quarantine_threshold" json:"quarantine_threshold,omitempty"`
}

// ParseOverride validates a policy document against the embedded schema
// and decodes it. An invalid document is rejected whole; an empty one is
// a valid document with no overrides.
func ParseOverride(raw []byte) (*Override, error) {
	if strings.TrimSpace(string(raw)) == "" {
		return &Override{}, nil
	}

	var node interface{}
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	// Round-trip through encoding/json so the schema validator sees the
	// value shapes it expects.
	jsonBytes, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	var jsonNode interface{}
	if err := json.Unmarshal(jsonBytes, &jsonNode); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if err := overrideSchema.Validate(jsonNode); err != nil {
		return nil, fmt.Errorf("policy does not match schema: %w", err)
	}

	var o Override
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	for _, pattern := range o.ExcludePaths {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude_paths pattern: %q", pattern)
		}
	}

	return &o, nil
}

// Excluded reports whether a test file path matches any exclude glob.
func (o *Override) Excluded(path string) bool {
	if o == nil || path == "" {
		return false
	}
	for _, pattern := range o.ExcludePaths {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Resolve applies an override document on top of the defaults. The merged
// result must still describe a coherent policy.
func Resolve(defaults Policy, o *Override) (Policy, error) {
	p := defaults
	if o == nil {
		return p, nil
	}
	if o.WarnThreshold != nil {
		p.WarnThreshold = *o.WarnThreshold
	}
	if o.QuarantineThreshold != nil {
		p.QuarantineThreshold = *o.QuarantineThreshold
	}
	if o.MinRunsForQuarantine != nil {
		p.MinRunsForQuarantine = *o.MinRunsForQuarantine
	}
	if o.MinRecentFailures != nil {
		p.MinRecentFailures = *o.MinRecentFailures
	}
	if o.LookbackDays != nil {
		p.LookbackDays = *o.LookbackDays
	}
	if o.RollingWindowSize != nil {
		p.RollingWindowSize = *o.RollingWindowSize
	}
	if p.WarnThreshold >= p.QuarantineThreshold {
		return defaults, fmt.Errorf("warn_threshold (%.2f) must be below quarantine_threshold (%.2f)", p.WarnThreshold, p.QuarantineThreshold)
	}
	return p, nil
}

// ForTeam layers a team's threshold overrides on an already-resolved
// policy. Unknown teams and incoherent team thresholds leave it unchanged.
func (o *Override) ForTeam(base Policy, team string) Policy {
	if o == nil || team == "" {
		return base
	}
	t, ok := o.Teams[team]
	if !ok {
		return base
	}
	p := base
	if t.WarnThreshold != nil {
		p.WarnThreshold = *t.WarnThreshold
	}
	if t.QuarantineThreshold != nil {
		p.QuarantineThreshold = *t.QuarantineThreshold
	}
	if p.WarnThreshold >= p.QuarantineThreshold {
		return base
	}
	return p
}
