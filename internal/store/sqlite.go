package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Index on sync_state for unsynced lookups
const currentSchemaVersion = 1

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteBackend stores CoValues in a SQLite database in WAL mode.
type SQLiteBackend struct {
	db *sql.DB
	q  queryer
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite creates or opens a SQLite database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// Opening an existing database is idempotent.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteBackend{db: db, q: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sync_state_unsynced
		ON sync_state(synced, covalue_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// Close closes the database. Closing a transaction-bound backend is a
// no-op.
func (s *SQLiteBackend) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Transaction runs fn inside one SQL transaction. Nested calls join the
// outer transaction.
func (s *SQLiteBackend) Transaction(ctx context.Context, fn func(tx Backend) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&SQLiteBackend{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) GetCoValue(ctx context.Context, id ir.RawCoID) (CoValueRow, error) {
	var (
		row     = CoValueRow{ID: id}
		header  sql.NullString
		deleted int
		erased  int
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT row_id, header, deleted, erased FROM covalues WHERE id = ?`, string(id),
	).Scan(&row.RowID, &header, &deleted, &erased)
	if errors.Is(err, sql.ErrNoRows) {
		return CoValueRow{}, ErrNotFound
	}
	if err != nil {
		return CoValueRow{}, fmt.Errorf("get covalue %s: %w", id, err)
	}
	if header.Valid {
		if row.Header, err = unmarshalHeader([]byte(header.String)); err != nil {
			return CoValueRow{}, fmt.Errorf("get covalue %s: %w", id, err)
		}
	}
	row.Deleted, row.Erased = deleted != 0, erased != 0
	return row, nil
}

func (s *SQLiteBackend) UpsertCoValue(ctx context.Context, id ir.RawCoID, header *ir.CoValueHeader) (int64, error) {
	data, err := marshalHeader(header)
	if err != nil {
		return 0, fmt.Errorf("upsert covalue %s: %w", id, err)
	}
	var headerArg any
	if data != nil {
		headerArg = string(data)
	}
	var rowID int64
	err = s.q.QueryRowContext(ctx, `
		INSERT INTO covalues (id, header) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET header = COALESCE(covalues.header, excluded.header)
		RETURNING row_id
	`, string(id), headerArg).Scan(&rowID)
	if err != nil {
		return 0, fmt.Errorf("upsert covalue %s: %w", id, err)
	}
	return rowID, nil
}

const sessionColumns = `row_id, covalue, session_id, tx_count, last_signature, bytes_since_last_signature`

func scanSession(scan func(dest ...any) error) (SessionRow, error) {
	var (
		row SessionRow
		sid string
		sig string
	)
	if err := scan(&row.RowID, &row.CoValue, &sid, &row.TxCount, &sig, &row.BytesSinceLastSignature); err != nil {
		return SessionRow{}, err
	}
	row.SessionID = ir.SessionID(sid)
	row.LastSignature = crypto.Signature(sig)
	return row, nil
}

func (s *SQLiteBackend) GetCoValueSessions(ctx context.Context, coValue int64) ([]SessionRow, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE covalue = ? ORDER BY session_id ASC`, coValue)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		row, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteBackend) GetSingleCoValueSession(ctx context.Context, coValue int64, sid ir.SessionID) (SessionRow, error) {
	row, err := scanSession(s.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE covalue = ? AND session_id = ?`,
		coValue, string(sid)).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, ErrNotFound
	}
	if err != nil {
		return SessionRow{}, fmt.Errorf("get session %s: %w", sid, err)
	}
	return row, nil
}

func (s *SQLiteBackend) GetNewTransactionsInSession(ctx context.Context, session int64, fromIdx, toIdx int) ([]TransactionRow, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT idx, tx FROM transactions
		WHERE session = ? AND idx >= ? AND idx <= ?
		ORDER BY idx ASC
	`, session, fromIdx, toIdx)
	if err != nil {
		return nil, fmt.Errorf("get transactions: %w", err)
	}
	defer rows.Close()

	var out []TransactionRow
	for rows.Next() {
		var (
			idx  int
			data string
		)
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx, err := unmarshalTransaction([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", idx, err)
		}
		out = append(out, TransactionRow{Session: session, Idx: idx, Tx: tx})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func (s *SQLiteBackend) GetSignatures(ctx context.Context, session int64, fromIdx int) ([]SignatureRow, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT idx, signature FROM signature_after
		WHERE session = ? AND idx >= ?
		ORDER BY idx ASC
	`, session, fromIdx)
	if err != nil {
		return nil, fmt.Errorf("get signatures: %w", err)
	}
	defer rows.Close()

	var out []SignatureRow
	for rows.Next() {
		row := SignatureRow{Session: session}
		var sig string
		if err := rows.Scan(&row.Idx, &sig); err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		row.Signature = crypto.Signature(sig)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signatures: %w", err)
	}
	return out, nil
}

func (s *SQLiteBackend) AddSessionUpdate(ctx context.Context, row SessionRow) (int64, error) {
	var rowID int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO sessions (covalue, session_id, tx_count, last_signature, bytes_since_last_signature)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(covalue, session_id) DO UPDATE SET
			tx_count = excluded.tx_count,
			last_signature = excluded.last_signature,
			bytes_since_last_signature = excluded.bytes_since_last_signature
		RETURNING row_id
	`, row.CoValue, string(row.SessionID), row.TxCount, string(row.LastSignature), row.BytesSinceLastSignature,
	).Scan(&rowID)
	if err != nil {
		return 0, fmt.Errorf("add session update %s: %w", row.SessionID, err)
	}
	return rowID, nil
}

func (s *SQLiteBackend) AddTransaction(ctx context.Context, session int64, idx int, tx ir.Transaction) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions (session, idx, tx) VALUES (?, ?, ?)
		ON CONFLICT(session, idx) DO UPDATE SET tx = excluded.tx
	`, session, idx, string(marshalTransaction(tx)))
	if err != nil {
		return fmt.Errorf("add transaction %d: %w", idx, err)
	}
	return nil
}

func (s *SQLiteBackend) AddSignatureAfter(ctx context.Context, session int64, idx int, sig crypto.Signature) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO signature_after (session, idx, signature) VALUES (?, ?, ?)
		ON CONFLICT(session, idx) DO UPDATE SET signature = excluded.signature
	`, session, idx, string(sig))
	if err != nil {
		return fmt.Errorf("add signature after %d: %w", idx, err)
	}
	return nil
}

func (s *SQLiteBackend) DeleteSession(ctx context.Context, session int64) error {
	stmts := []string{
		`DELETE FROM transactions WHERE session = ?`,
		`DELETE FROM signature_after WHERE session = ?`,
		`DELETE FROM sessions WHERE row_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.ExecContext(ctx, stmt, session); err != nil {
			return fmt.Errorf("delete session %d: %w", session, err)
		}
	}
	return nil
}

func (s *SQLiteBackend) MarkCoValueAsDeleted(ctx context.Context, id ir.RawCoID) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO covalues (id, deleted) VALUES (?, 1)
		ON CONFLICT(id) DO UPDATE SET deleted = 1
	`, string(id))
	if err != nil {
		return fmt.Errorf("mark %s deleted: %w", id, err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO deleted_covalues (id)
		SELECT id FROM covalues WHERE id = ? AND erased = 0
		ON CONFLICT(id) DO NOTHING
	`, string(id))
	if err != nil {
		return fmt.Errorf("queue %s for erasure: %w", id, err)
	}
	return nil
}

func (s *SQLiteBackend) EraseCoValueButKeepTombstone(ctx context.Context, id ir.RawCoID) error {
	row, err := s.GetCoValue(ctx, id)
	if err != nil {
		return err
	}
	stmts := []struct {
		query string
		arg   any
	}{
		{`DELETE FROM transactions WHERE session IN (SELECT row_id FROM sessions WHERE covalue = ?)`, row.RowID},
		{`DELETE FROM signature_after WHERE session IN (SELECT row_id FROM sessions WHERE covalue = ?)`, row.RowID},
		{`DELETE FROM sessions WHERE covalue = ?`, row.RowID},
		{`UPDATE covalues SET deleted = 1, erased = 1 WHERE row_id = ?`, row.RowID},
		{`DELETE FROM deleted_covalues WHERE id = ?`, string(id)},
	}
	for _, stmt := range stmts {
		if _, err := s.q.ExecContext(ctx, stmt.query, stmt.arg); err != nil {
			return fmt.Errorf("erase %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLiteBackend) GetAllCoValuesWaitingForDelete(ctx context.Context) ([]ir.RawCoID, error) {
	return s.queryIDs(ctx, `SELECT id FROM deleted_covalues ORDER BY id ASC`)
}

func (s *SQLiteBackend) TrackCoValuesSyncState(ctx context.Context, updates []SyncStateUpdate) error {
	for _, u := range updates {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO sync_state (covalue_id, peer_id, synced) VALUES (?, ?, ?)
			ON CONFLICT(covalue_id, peer_id) DO UPDATE SET synced = excluded.synced
		`, string(u.ID), u.PeerID, u.Synced)
		if err != nil {
			return fmt.Errorf("track sync state of %s: %w", u.ID, err)
		}
	}
	return nil
}

func (s *SQLiteBackend) GetUnsyncedCoValueIDs(ctx context.Context) ([]ir.RawCoID, error) {
	return s.queryIDs(ctx, `SELECT DISTINCT covalue_id FROM sync_state WHERE synced = 0 ORDER BY covalue_id ASC`)
}

func (s *SQLiteBackend) StopTrackingSyncState(ctx context.Context, id ir.RawCoID) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM sync_state WHERE covalue_id = ?`, string(id)); err != nil {
		return fmt.Errorf("stop tracking %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteBackend) queryIDs(ctx context.Context, query string) ([]ir.RawCoID, error) {
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var out []ir.RawCoID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, ir.RawCoID(id))
	}
	return out, rows.Err()
}

// verifyPragma checks that a pragma is set to the expected value.
func (s *SQLiteBackend) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
