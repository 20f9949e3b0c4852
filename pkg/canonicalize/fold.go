package canonicalize

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// FoldText normalises s for case-insensitive matching: NFKC compatibility
// composition followed by Unicode case folding. Full-width and ligature
// forms therefore compare equal to their ASCII spellings.
func FoldText(s string) string {
	// A Caser is stateful and must not be shared between goroutines.
	return cases.Fold().String(norm.NFKC.String(s))
}
