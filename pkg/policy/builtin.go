package policy

import (
	"strings"

	"github.com/execlayer/kernel/pkg/canonicalize"
	"github.com/execlayer/kernel/pkg/compliance"
	"github.com/execlayer/kernel/pkg/contracts"
	"github.com/execlayer/kernel/pkg/tooling"
)

// Reference rule identifiers and priorities.
const (
	RuleIDSelfPromptRewrite = "R-AGENT-001"
	RuleIDSecretSearch      = "R-SECR-002"
	RuleIDPublicUpload      = "R-DATA-003"
	RuleIDCrossBorder       = "R-DATA-004"
)

// Kinds accepted in bundle files for the built-in rules.
const (
	KindSelfPromptRewrite = "block_self_prompt_rewrite"
	KindSecretSearch      = "block_secret_search"
	KindPublicUpload      = "block_public_regulated_upload"
	KindCrossBorder       = "escalate_cross_border_upload"
	KindCEL               = "cel"
)

// secretVocabulary is matched against folded search text.
var secretVocabulary = []string{
	"api_key", "apikey", "api key", "secret", "token",
	"oauth", "password", "sig", "private_key", "private key",
}

func looksLikeSecretSearch(term string) bool {
	t := canonicalize.FoldText(term)
	for _, needle := range secretVocabulary {
		if strings.Contains(t, needle) {
			return true
		}
	}
	return false
}

func isPublicDestination(dest string) bool {
	d := canonicalize.FoldText(dest)
	if strings.Contains(d, "public") {
		return true
	}
	return strings.Contains(d, "://") && !strings.Contains(d, "internal") && !strings.Contains(d, "private")
}

func classIn(dc string, set ...contracts.DataClass) bool {
	up := contracts.DataClass(strings.ToUpper(strings.TrimSpace(dc)))
	for _, c := range set {
		if up == c {
			return true
		}
	}
	return false
}

// BlockSelfPromptRewrite blocks every attempt by an agent to edit its own
// system prompt.
type BlockSelfPromptRewrite struct{ ruleMeta }

func NewBlockSelfPromptRewrite(id string, priority int) *BlockSelfPromptRewrite {
	return &BlockSelfPromptRewrite{ruleMeta{id, priority, "Block agent self-modification of system prompt"}}
}

func (r *BlockSelfPromptRewrite) Evaluate(_ contracts.ExecutionContext, tool string, _ map[string]any) *contracts.PolicyOutcome {
	if tool != tooling.ToolEditSystemPrompt {
		return nil
	}
	return &contracts.PolicyOutcome{
		Verdict:      contracts.VerdictBlock,
		RiskTier:     contracts.RiskCritical,
		RiskScore:    9.9,
		ViolationKey: compliance.ViolationAgenticArch,
		Reason:       "Attempted modification of governance constraints.",
		RuleID:       r.id,
	}
}

// BlockSecretSearch blocks message-history searches for credentials.
type BlockSecretSearch struct{ ruleMeta }

func NewBlockSecretSearch(id string, priority int) *BlockSecretSearch {
	return &BlockSecretSearch{ruleMeta{id, priority, "Block credential-harvesting searches over message history"}}
}

func (r *BlockSecretSearch) Evaluate(_ contracts.ExecutionContext, tool string, params map[string]any) *contracts.PolicyOutcome {
	if tool != tooling.ToolReadSlackHistory {
		return nil
	}
	if !looksLikeSecretSearch(stringParam(params, "search")) {
		return nil
	}
	return &contracts.PolicyOutcome{
		Verdict:      contracts.VerdictBlock,
		RiskTier:     contracts.RiskHigh,
		RiskScore:    8.7,
		ViolationKey: compliance.ViolationShadowAI,
		Reason:       "Attempted credential harvesting from message history.",
		RuleID:       r.id,
	}
}

// BlockPublicRegulatedUpload blocks uploads of PII, PHI or PCI data to a
// public destination.
type BlockPublicRegulatedUpload struct{ ruleMeta }

func NewBlockPublicRegulatedUpload(id string, priority int) *BlockPublicRegulatedUpload {
	return &BlockPublicRegulatedUpload{ruleMeta{id, priority, "Block regulated data uploads to public destinations"}}
}

func (r *BlockPublicRegulatedUpload) Evaluate(ec contracts.ExecutionContext, tool string, params map[string]any) *contracts.PolicyOutcome {
	if tool != tooling.ToolUploadFile {
		return nil
	}
	dc := effectiveDataClass(ec, params)
	if !classIn(dc, contracts.DataPII, contracts.DataPHI, contracts.DataPCI) {
		return nil
	}
	if !isPublicDestination(stringParam(params, "destination")) {
		return nil
	}
	return &contracts.PolicyOutcome{
		Verdict:      contracts.VerdictBlock,
		RiskTier:     contracts.RiskCritical,
		RiskScore:    9.6,
		ViolationKey: compliance.ViolationDataSovereignty,
		Reason:       "Attempted transfer of regulated data to non-compliant destination.",
		RuleID:       r.id,
	}
}

// EscalateCrossBorderUpload escalates sensitive uploads whose declared
// jurisdiction differs from the caller's.
type EscalateCrossBorderUpload struct{ ruleMeta }

func NewEscalateCrossBorderUpload(id string, priority int) *EscalateCrossBorderUpload {
	return &EscalateCrossBorderUpload{ruleMeta{id, priority, "Escalate cross-jurisdiction movement of sensitive data"}}
}

func (r *EscalateCrossBorderUpload) Evaluate(ec contracts.ExecutionContext, tool string, params map[string]any) *contracts.PolicyOutcome {
	if tool != tooling.ToolUploadFile {
		return nil
	}
	dc := effectiveDataClass(ec, params)
	if !classIn(dc, contracts.DataConfidential, contracts.DataPII, contracts.DataPHI) {
		return nil
	}
	dest := stringParam(params, "jurisdiction")
	if dest == "" || dest == ec.Jurisdiction {
		return nil
	}
	return &contracts.PolicyOutcome{
		Verdict:      contracts.VerdictEscalate,
		RiskTier:     contracts.RiskHigh,
		RiskScore:    8.1,
		ViolationKey: compliance.ViolationDataSovereignty,
		Reason:       "Cross-jurisdiction data movement requires explicit approval and retention constraints.",
		RuleID:       r.id,
	}
}

// newBuiltin constructs a built-in rule by bundle kind.
func newBuiltin(kind, id string, priority int) (Rule, bool) {
	switch kind {
	case KindSelfPromptRewrite:
		return NewBlockSelfPromptRewrite(id, priority), true
	case KindSecretSearch:
		return NewBlockSecretSearch(id, priority), true
	case KindPublicUpload:
		return NewBlockPublicRegulatedUpload(id, priority), true
	case KindCrossBorder:
		return NewEscalateCrossBorderUpload(id, priority), true
	}
	return nil, false
}

// Kind reports the bundle-file kind of a rule, or "" for custom rules.
func Kind(r Rule) string {
	switch r.(type) {
	case *BlockSelfPromptRewrite:
		return KindSelfPromptRewrite
	case *BlockSecretSearch:
		return KindSecretSearch
	case *BlockPublicRegulatedUpload:
		return KindPublicUpload
	case *EscalateCrossBorderUpload:
		return KindCrossBorder
	case *CELRule:
		return KindCEL
	}
	return ""
}
