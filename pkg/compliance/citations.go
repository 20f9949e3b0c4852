// Package compliance maps violation keys to compliance-framework controls
// so BLOCK and ESCALATE receipts carry a traceable citation.
package compliance

import (
	"sort"

	"github.com/execlayer/kernel/pkg/contracts"
)

// Violation keys produced by the built-in rules.
const (
	ViolationShadowAI        = "SHADOW_AI"
	ViolationDataSovereignty = "DATA_SOVEREIGNTY"
	ViolationAgenticArch     = "AGENTIC_ARCH"
)

// FrameworkAIGP21 is the framework every built-in citation maps into.
const FrameworkAIGP21 = "IAPP AIGP BoK 2.1"

var catalog = map[string]contracts.Citation{
	ViolationShadowAI: {
		Framework:   FrameworkAIGP21,
		Domain:      "Domain I.C.3",
		Competency:  "Third-Party Risk Management",
		ControlID:   "AIGP2.1-I.C.3",
		Description: "Unauthorized use of unvetted credentials or shadow infrastructure.",
	},
	ViolationDataSovereignty: {
		Framework:   FrameworkAIGP21,
		Domain:      "Domain II.A.3",
		Competency:  "Automated Decision-Making Laws (GDPR/EU AI Act)",
		ControlID:   "AIGP2.1-II.A.3",
		Description: "Cross-border data transfer of PII to non-compliant storage.",
	},
	ViolationAgenticArch: {
		Framework:   FrameworkAIGP21,
		Domain:      "Domain IV.A.3",
		Competency:  "Agentic Architectures - Unbounded Autonomy Risk",
		ControlID:   "AIGP2.1-IV.A.3",
		Description: "Recursive self-modification or unauthorized constraint changes.",
	},
}

// Lookup returns the citation for key. Unknown or empty keys yield the zero
// Citation, which serializes as an empty object.
func Lookup(key string) contracts.Citation {
	return catalog[key]
}

// Known reports whether key has a catalogued citation.
func Known(key string) bool {
	_, ok := catalog[key]
	return ok
}

// Keys lists the catalogued violation keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
