package policy

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/execlayer/kernel/pkg/contracts"
	"gopkg.in/yaml.v3"
)

// BundleFile is the on-disk YAML form of a bundle.
type BundleFile struct {
	BundleID      string     `yaml:"bundle_id"`
	Version       string     `yaml:"version"`
	KernelVersion string     `yaml:"kernel_version,omitempty"`
	Rules         []RuleSpec `yaml:"rules"`
}

// RuleSpec declares one rule. Built-in kinds only use ID, Kind, Priority
// and Description; the remaining fields configure "cel" rules.
type RuleSpec struct {
	ID           string  `yaml:"id"`
	Kind         string  `yaml:"kind"`
	Priority     int     `yaml:"priority"`
	Description  string  `yaml:"description,omitempty"`
	Expression   string  `yaml:"expression,omitempty"`
	Verdict      string  `yaml:"verdict,omitempty"`
	RiskTier     string  `yaml:"risk_tier,omitempty"`
	RiskScore    float64 `yaml:"risk_score,omitempty"`
	ViolationKey string  `yaml:"violation_key,omitempty"`
	Reason       string  `yaml:"reason,omitempty"`
}

// LoadBundleFile reads and compiles a YAML bundle. kernelVersion is checked
// against the file's kernel_version constraint when one is present.
func LoadBundleFile(path, kernelVersion string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read bundle %s: %w", path, err)
	}
	return ParseBundle(data, kernelVersion)
}

// ParseBundle compiles a YAML bundle definition.
func ParseBundle(data []byte, kernelVersion string) (*Bundle, error) {
	var f BundleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy: parse bundle: %w", err)
	}
	if err := checkKernelVersion(f, kernelVersion); err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		r, err := buildRule(spec)
		if err != nil {
			return nil, fmt.Errorf("policy: bundle %s rule %d: %w", f.BundleID, i, err)
		}
		rules = append(rules, r)
	}
	return NewBundle(f.BundleID, f.Version, rules...)
}

func checkKernelVersion(f BundleFile, kernelVersion string) error {
	if f.KernelVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(f.KernelVersion)
	if err != nil {
		return fmt.Errorf("policy: invalid kernel version constraint in bundle %s: %w", f.BundleID, err)
	}
	kv, err := semver.NewVersion(kernelVersion)
	if err != nil {
		return fmt.Errorf("policy: invalid kernel version %s: %w", kernelVersion, err)
	}
	if !constraint.Check(kv) {
		return fmt.Errorf("policy: bundle %s requires kernel %s, but running %s", f.BundleID, f.KernelVersion, kernelVersion)
	}
	return nil
}

func buildRule(spec RuleSpec) (Rule, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if r, ok := newBuiltin(spec.Kind, spec.ID, spec.Priority); ok {
		return r, nil
	}
	if spec.Kind != KindCEL {
		return nil, fmt.Errorf("unknown rule kind %q", spec.Kind)
	}

	verdict, err := contracts.ParseVerdict(spec.Verdict)
	if err != nil {
		return nil, err
	}
	tier, err := contracts.ParseRiskTier(spec.RiskTier)
	if err != nil {
		return nil, err
	}
	return NewCELRule(spec.ID, spec.Priority, spec.Description, spec.Expression, CELOutcome{
		Verdict:      verdict,
		RiskTier:     tier,
		RiskScore:    spec.RiskScore,
		ViolationKey: spec.ViolationKey,
		Reason:       spec.Reason,
	})
}

// Describe renders b in its file form. Rules of unknown kinds are listed
// with an empty kind.
func Describe(b *Bundle) BundleFile {
	f := BundleFile{BundleID: b.ID(), Version: b.Version()}
	for _, r := range b.Rules() {
		spec := RuleSpec{
			ID:          r.ID(),
			Kind:        Kind(r),
			Priority:    r.Priority(),
			Description: r.Description(),
		}
		if c, ok := r.(*CELRule); ok {
			o := c.Outcome()
			spec.Expression = c.Expression()
			spec.Verdict = string(o.Verdict)
			spec.RiskTier = string(o.RiskTier)
			spec.RiskScore = o.RiskScore
			spec.ViolationKey = o.ViolationKey
			spec.Reason = o.Reason
		}
		f.Rules = append(f.Rules, spec)
	}
	return f
}
