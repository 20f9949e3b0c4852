package policy

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Reference bundle identity.
const (
	DefaultBundleID      = "bundle_execkernel_v1"
	DefaultBundleVersion = "1.0.0"
)

// Bundle is an immutable, versioned set of rules.
type Bundle struct {
	id      string
	version string
	rules   []Rule
}

// NewBundle validates version as semver and rejects duplicate rule IDs.
func NewBundle(id, version string, rules ...Rule) (*Bundle, error) {
	if id == "" {
		return nil, fmt.Errorf("policy: bundle id must not be empty")
	}
	if _, err := semver.NewVersion(version); err != nil {
		return nil, fmt.Errorf("policy: bundle %s has invalid version %q: %w", id, version, err)
	}
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r == nil {
			return nil, fmt.Errorf("policy: bundle %s contains a nil rule", id)
		}
		if r.ID() == "" {
			return nil, fmt.Errorf("policy: bundle %s contains a rule without id", id)
		}
		if _, dup := seen[r.ID()]; dup {
			return nil, fmt.Errorf("policy: bundle %s has duplicate rule id %s", id, r.ID())
		}
		seen[r.ID()] = struct{}{}
	}
	return &Bundle{id: id, version: version, rules: append([]Rule(nil), rules...)}, nil
}

func (b *Bundle) ID() string      { return b.id }
func (b *Bundle) Version() string { return b.version }

// Rules returns the rules in bundle order.
func (b *Bundle) Rules() []Rule { return append([]Rule(nil), b.rules...) }

// DefaultBundle returns the reference bundle with the four built-in rules.
func DefaultBundle() *Bundle {
	b, err := NewBundle(DefaultBundleID, DefaultBundleVersion,
		NewBlockSelfPromptRewrite(RuleIDSelfPromptRewrite, 100),
		NewBlockSecretSearch(RuleIDSecretSearch, 90),
		NewBlockPublicRegulatedUpload(RuleIDPublicUpload, 80),
		NewEscalateCrossBorderUpload(RuleIDCrossBorder, 70),
	)
	if err != nil {
		panic(err)
	}
	return b
}
