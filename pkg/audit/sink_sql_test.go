package audit

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/execlayer/kernel/pkg/canonicalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLSink_PostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_log")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sink, err := NewSQLSink(ctx, db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))
	l, err := Open(ctx, sink)
	require.NoError(t, err)
	assert.Empty(t, l.Head())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(seq) FROM audit_log")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log (seq, payload, payload_hash, entry_hash, prev_entry_hash) VALUES ($1, $2, $3, $4, $5)")).
		WithArgs(int64(1), `{"event":"BLOCK"}`, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	e1, err := l.Append(ctx, map[string]any{"event": "BLOCK"})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs(int64(2), `{"event":"ALLOW"}`, sqlmock.AnyArg(), sqlmock.AnyArg(), e1.EntryHash).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow(e1.EntryHash))
	_, err = l.Append(ctx, map[string]any{"event": "ALLOW"})
	require.Error(t, err)
	assert.Equal(t, e1.EntryHash, l.Head())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(seq) FROM audit_log")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs(int64(2), `{"event":"ALLOW"}`, sqlmock.AnyArg(), sqlmock.AnyArg(), e1.EntryHash).
		WillReturnResult(sqlmock.NewResult(2, 1))
	_, err = l.Append(ctx, map[string]any{"event": "ALLOW"})
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_LateCommitResyncs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	sink, err := NewSQLSink(ctx, db, DialectPostgres)
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))
	l, err := Open(ctx, sink)
	require.NoError(t, err)

	// The server commits the first insert but the client sees a timeout.
	first := canonicalize.Prefixed(LinkHash("", canonicalize.HashBytes([]byte(`{"event":"BLOCK"}`))))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(seq) FROM audit_log")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs(int64(1), `{"event":"BLOCK"}`, sqlmock.AnyArg(), first, sqlmock.AnyArg()).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow(first))

	_, err = l.Append(ctx, map[string]any{"event": "BLOCK"})
	require.Error(t, err)
	assert.Equal(t, first, l.Head())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(seq) FROM audit_log")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs(int64(2), `{"event":"ALLOW"}`, sqlmock.AnyArg(), sqlmock.AnyArg(), first).
		WillReturnResult(sqlmock.NewResult(2, 1))
	e2, err := l.Append(ctx, map[string]any{"event": "ALLOW"})
	require.NoError(t, err)
	assert.Equal(t, first, *e2.PrevEntryHash)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_Entries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	sink, err := NewSQLSink(ctx, db, DialectPostgres)
	require.NoError(t, err)

	chain := buildChain(t, 2)
	rows := sqlmock.NewRows([]string{"payload", "payload_hash", "entry_hash", "prev_entry_hash"}).
		AddRow(string(chain[0].Payload), chain[0].PayloadHash, chain[0].EntryHash, nil).
		AddRow(string(chain[1].Payload), chain[1].PayloadHash, chain[1].EntryHash, *chain[1].PrevEntryHash)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload, payload_hash, entry_hash, prev_entry_hash FROM audit_log ORDER BY seq ASC")).
		WillReturnRows(rows)

	entries, err := sink.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].PrevEntryHash)
	assert.NoError(t, VerifyChain(entries))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_SQLiteResume(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "audit.db")

	sink, err := OpenSQLSink(ctx, DialectSQLite, dsn)
	require.NoError(t, err)
	l, err := Open(ctx, sink)
	require.NoError(t, err)
	for _, ev := range []string{"BLOCK", "ALLOW", "ESCALATE"} {
		_, err := l.Append(ctx, map[string]any{"event": ev})
		require.NoError(t, err)
	}
	head := l.Head()
	require.NoError(t, l.Close())

	sink2, err := OpenSQLSink(ctx, DialectSQLite, dsn)
	require.NoError(t, err)
	l2, err := Open(ctx, sink2)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, head, l2.Head())

	e, err := l2.Append(ctx, map[string]any{"event": "ALLOW"})
	require.NoError(t, err)
	assert.Equal(t, head, *e.PrevEntryHash)

	n, err := l2.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSQLSink_Rejects(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = NewSQLSink(context.Background(), db, Dialect("oracle"))
	assert.Error(t, err)
}
