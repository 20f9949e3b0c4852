package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_RollsBackPartialWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	l, err := Open(ctx, sink)
	require.NoError(t, err)

	_, err = l.Append(ctx, map[string]any{"event": "BLOCK"})
	require.NoError(t, err)
	head := l.Head()

	full := true
	sink.write = func(p []byte) (int, error) {
		if full {
			n, _ := sink.f.Write(p[:len(p)/2])
			return n, errors.New("no space left on device")
		}
		return sink.f.Write(p)
	}
	_, err = l.Append(ctx, map[string]any{"event": "ALLOW"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left on device")
	assert.Equal(t, head, l.Head())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))

	full = false
	e, err := l.Append(ctx, map[string]any{"event": "ESCALATE"})
	require.NoError(t, err)
	assert.Equal(t, head, *e.PrevEntryHash)

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NoError(t, VerifyChain(entries))
	require.NoError(t, l.Close())

	reopened, err := NewFileSink(path)
	require.NoError(t, err)
	l2, err := Open(ctx, reopened)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, e.EntryHash, l2.Head())
}
