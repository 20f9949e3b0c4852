//go:build property
// +build property

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestChainIntegrity verifies any appended sequence verifies, and that
// mutating any single payload breaks verification at that index.
func TestChainIntegrity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	build := func(values []string) []Entry {
		sink := NewMemorySink()
		l, err := Open(context.Background(), sink)
		if err != nil {
			return nil
		}
		for i, v := range values {
			if _, err := l.Append(context.Background(), map[string]any{"i": i, "v": v}); err != nil {
				return nil
			}
		}
		entries, _ := sink.Entries(context.Background())
		return entries
	}

	properties.Property("appended chains verify", prop.ForAll(
		func(values []string) bool {
			return VerifyChain(build(values)) == nil
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("single payload mutation is located", prop.ForAll(
		func(values []string, idx int) bool {
			if len(values) == 0 {
				return true
			}
			entries := build(values)
			k := idx % len(entries)
			mutated, _ := json.Marshal(map[string]any{"i": k, "v": values[k] + "x"})
			entries[k].Payload = mutated

			var ce *ChainError
			if !errors.As(VerifyChain(entries), &ce) {
				return false
			}
			return ce.Index == k
		},
		gen.SliceOfN(8, gen.AlphaString()),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
