package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL placeholder and type syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink stores entries in an append-only table keyed by sequence.
// Rows are only ever inserted.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect

	mu     sync.Mutex
	next   int64
	loaded bool
}

// OpenSQLSink opens a database with the driver matching dialect and
// prepares the audit table.
func OpenSQLSink(ctx context.Context, dialect Dialect, dsn string) (*SQLSink, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection serializes writers and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLSink(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSink wraps an open database and migrates the audit table.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("audit: unsupported dialect %q", dialect)
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) migrate(ctx context.Context) error {
	seqType := "INTEGER"
	if s.dialect == DialectPostgres {
		seqType = "BIGINT"
	}
	query := `CREATE TABLE IF NOT EXISTS audit_log (
		seq ` + seqType + ` PRIMARY KEY,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL UNIQUE,
		prev_entry_hash TEXT
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders for the dialect.
func (s *SQLSink) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLSink) loadNext(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM audit_log").Scan(&maxSeq); err != nil {
		return fmt.Errorf("read sequence: %w", err)
	}
	s.next = maxSeq.Int64 + 1
	s.loaded = true
	return nil
}

func (s *SQLSink) Write(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrSinkClosed
	}
	if err := s.loadNext(ctx); err != nil {
		return err
	}
	var prev sql.NullString
	if e.PrevEntryHash != nil {
		prev = sql.NullString{String: *e.PrevEntryHash, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		s.bind("INSERT INTO audit_log (seq, payload, payload_hash, entry_hash, prev_entry_hash) VALUES (?, ?, ?, ?, ?)"),
		s.next, string(e.Payload), e.PayloadHash, e.EntryHash, prev)
	if err != nil {
		// The insert may have committed; re-read the sequence next time.
		s.loaded = false
		return fmt.Errorf("insert entry: %w", err)
	}
	s.next++
	return nil
}

func (s *SQLSink) Head(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", ErrSinkClosed
	}
	var head string
	err := s.db.QueryRowContext(ctx, "SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1").Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read head: %w", err)
	}
	return head, nil
}

func (s *SQLSink) Entries(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, ErrSinkClosed
	}

	rows, err := db.QueryContext(ctx, "SELECT payload, payload_hash, entry_hash, prev_entry_hash FROM audit_log ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			payload string
			e       Entry
			prev    sql.NullString
		)
		if err := rows.Scan(&payload, &e.PayloadHash, &e.EntryHash, &prev); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Payload = []byte(payload)
		if prev.Valid {
			p := prev.String
			e.PrevEntryHash = &p
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func (s *SQLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
