package transfer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// SQLiteStore persists the transfer registry in an embedded SQLite database
// with WAL mode. Save writes a full ordered snapshot in one transaction;
// Load reconstructs the collection in insertion order. Use ":memory:" for
// tests that don't need cross-process durability.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// mu makes Save a critical section relative to concurrent Load.
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// migrations.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening transfer database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: open sqlite: %w", err)
	}

	// Sole-writer: a single connection avoids SQLITE_BUSY between the
	// snapshot writer and concurrent readers.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("transfer database ready", slog.String("path", dbPath))

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("transfer: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

// Save replaces the persisted snapshot with the given records, preserving
// their order, in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transfer: begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM transfers"); err != nil {
		return fmt.Errorf("transfer: clearing snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transfers
			(id, position, kind, state,
			 source_local, source_container, source_name,
			 dest_local, dest_container, dest_name,
			 bytes_done, bytes_total, restoration_id, error_msg,
			 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("transfer: prepare insert: %w", err)
	}
	defer stmt.Close()

	for position, rec := range records {
		row := recordToRow(rec)

		if _, err := stmt.ExecContext(ctx,
			row.id, position, row.kind, row.state,
			row.sourceLocal, row.sourceContainer, row.sourceName,
			row.destLocal, row.destContainer, row.destName,
			row.bytesDone, row.bytesTotal, row.restorationID, row.errorMsg,
			row.createdAt, row.updatedAt,
		); err != nil {
			return fmt.Errorf("transfer: inserting record %s: %w", row.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("transfer: commit save: %w", err)
	}

	s.logger.Debug("transfer snapshot saved", slog.Int("records", len(records)))

	return nil
}

// Load reads the persisted snapshot back in insertion order.
func (s *SQLiteStore) Load(ctx context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, state,
			source_local, source_container, source_name,
			dest_local, dest_container, dest_name,
			bytes_done, bytes_total, restoration_id, error_msg,
			created_at, updated_at
		FROM transfers ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("transfer: querying snapshot: %w", err)
	}
	defer rows.Close()

	var records []*Record

	for rows.Next() {
		var row transferRow

		if err := rows.Scan(
			&row.id, &row.kind, &row.state,
			&row.sourceLocal, &row.sourceContainer, &row.sourceName,
			&row.destLocal, &row.destContainer, &row.destName,
			&row.bytesDone, &row.bytesTotal, &row.restorationID, &row.errorMsg,
			&row.createdAt, &row.updatedAt,
		); err != nil {
			return nil, fmt.Errorf("transfer: scanning record: %w", err)
		}

		rec, err := rowToRecord(&row)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transfer: iterating snapshot: %w", err)
	}

	return records, nil
}

// transferRow is the flat scan/exec shape of one transfers row.
type transferRow struct {
	id              string
	kind            string
	state           string
	sourceLocal     sql.NullString
	sourceContainer sql.NullString
	sourceName      sql.NullString
	destLocal       sql.NullString
	destContainer   sql.NullString
	destName        sql.NullString
	bytesDone       sql.NullInt64
	bytesTotal      sql.NullInt64
	restorationID   string
	errorMsg        string
	createdAt       int64
	updatedAt       int64
}

func recordToRow(rec *Record) *transferRow {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	row := &transferRow{
		id:            rec.ID.String(),
		kind:          rec.Kind.String(),
		state:         rec.state.String(),
		restorationID: rec.RestorationID,
		errorMsg:      rec.errMsg,
		createdAt:     rec.CreatedAt.UnixNano(),
		updatedAt:     rec.updatedAt.UnixNano(),
	}

	if rec.Source != nil {
		row.sourceLocal = sql.NullString{String: rec.Source.LocalPath, Valid: true}
		row.sourceContainer = sql.NullString{String: rec.Source.Container, Valid: true}
		row.sourceName = sql.NullString{String: rec.Source.Name, Valid: true}
	}

	if rec.Destination != nil {
		row.destLocal = sql.NullString{String: rec.Destination.LocalPath, Valid: true}
		row.destContainer = sql.NullString{String: rec.Destination.Container, Valid: true}
		row.destName = sql.NullString{String: rec.Destination.Name, Valid: true}
	}

	if rec.progress != nil {
		row.bytesDone = sql.NullInt64{Int64: rec.progress.Bytes, Valid: true}

		if rec.progress.Total != nil {
			row.bytesTotal = sql.NullInt64{Int64: *rec.progress.Total, Valid: true}
		}
	}

	return row
}

func rowToRecord(row *transferRow) (*Record, error) {
	id, err := uuid.Parse(row.id)
	if err != nil {
		return nil, fmt.Errorf("transfer: invalid record id %q: %w", row.id, err)
	}

	kind, err := ParseKind(row.kind)
	if err != nil {
		return nil, err
	}

	state, err := ParseState(row.state)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:            id,
		Kind:          kind,
		RestorationID: row.restorationID,
		CreatedAt:     time.Unix(0, row.createdAt),
		state:         state,
		errMsg:        row.errorMsg,
		updatedAt:     time.Unix(0, row.updatedAt),
	}

	if row.sourceLocal.Valid || row.sourceContainer.Valid || row.sourceName.Valid {
		rec.Source = &Location{
			LocalPath: row.sourceLocal.String,
			Container: row.sourceContainer.String,
			Name:      row.sourceName.String,
		}
	}

	if row.destLocal.Valid || row.destContainer.Valid || row.destName.Valid {
		rec.Destination = &Location{
			LocalPath: row.destLocal.String,
			Container: row.destContainer.String,
			Name:      row.destName.String,
		}
	}

	if row.bytesDone.Valid {
		rec.progress = &Progress{Bytes: row.bytesDone.Int64}

		if row.bytesTotal.Valid {
			total := row.bytesTotal.Int64
			rec.progress.Total = &total
		}
	}

	return rec, nil
}
