package contracts

import (
	"fmt"
	"strings"
)

// Verdict is the outcome status of an interception.
type Verdict string

const (
	VerdictAllow    Verdict = "ALLOW"
	VerdictBlock    Verdict = "BLOCK"
	VerdictEscalate Verdict = "ESCALATE"
	// VerdictError is only used as a receipt status.
	VerdictError Verdict = "ERROR"
)

// RiskTier grades the severity of a violation.
type RiskTier string

const (
	RiskLow      RiskTier = "LOW"
	RiskMedium   RiskTier = "MEDIUM"
	RiskHigh     RiskTier = "HIGH"
	RiskCritical RiskTier = "CRITICAL"
)

// ParseRiskTier parses a tier name case-insensitively.
func ParseRiskTier(s string) (RiskTier, error) {
	switch t := RiskTier(strings.ToUpper(strings.TrimSpace(s))); t {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return t, nil
	}
	return "", fmt.Errorf("unknown risk tier %q", s)
}

// ParseVerdict parses an explicit rule verdict. ALLOW is not a valid rule
// verdict: allow is the absence of an outcome.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(strings.ToUpper(strings.TrimSpace(s))); v {
	case VerdictBlock, VerdictEscalate:
		return v, nil
	}
	return "", fmt.Errorf("unsupported rule verdict %q", s)
}

// DataClass is the sensitivity classification of the data an action touches.
type DataClass string

const (
	DataPublic       DataClass = "PUBLIC"
	DataInternal     DataClass = "INTERNAL"
	DataConfidential DataClass = "CONFIDENTIAL"
	DataPII          DataClass = "PII"
	DataPHI          DataClass = "PHI"
	DataPCI          DataClass = "PCI"
	DataSecrets      DataClass = "SECRETS"
)

var knownDataClasses = map[DataClass]struct{}{
	DataPublic: {}, DataInternal: {}, DataConfidential: {},
	DataPII: {}, DataPHI: {}, DataPCI: {}, DataSecrets: {},
}

// ParseDataClass coerces a loosely typed value into a DataClass. Absent or
// unknown values fall back to INTERNAL and return a warning describing the
// fallback; the warning is empty when the value parsed cleanly.
func ParseDataClass(value any) (DataClass, string) {
	if value == nil {
		return DataInternal, "No data_class provided, defaulting to INTERNAL"
	}
	raw := fmt.Sprint(value)
	dc := DataClass(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownDataClasses[dc]; ok {
		return dc, ""
	}
	return DataInternal, fmt.Sprintf("Invalid data_class '%s', defaulting to INTERNAL", raw)
}

// PolicyOutcome is a rule's verdict. A nil *PolicyOutcome means allow.
type PolicyOutcome struct {
	Verdict      Verdict
	RiskTier     RiskTier
	RiskScore    float64
	ViolationKey string
	Reason       string
	RuleID       string
}
