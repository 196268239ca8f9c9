//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"viralsandbox/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCatalog(ctx context.Context, doc model.CatalogDocument) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeCatalog(doc)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO catalogs (name, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, doc.Name, CurrentSchemaVersion, CurrentCodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetCatalog(ctx context.Context, name string) (model.CatalogDocument, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.CatalogDocument{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM catalogs WHERE name = ?`, name).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CatalogDocument{}, false, nil
		}
		return model.CatalogDocument{}, false, err
	}

	doc, err := DecodeCatalog(payload)
	if err != nil {
		return model.CatalogDocument{}, false, fmt.Errorf("decode catalog %s: %w", name, err)
	}
	return doc, true, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, snap model.SessionSnapshot) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeSession(snap)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (id, catalog, round, balance, status, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			catalog = excluded.catalog,
			round = excluded.round,
			balance = excluded.balance,
			status = excluded.status,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, snap.ID, snap.Catalog, snap.Round, snap.Ledger.Balance, string(snap.Status), snap.SchemaVersion, snap.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (model.SessionSnapshot, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.SessionSnapshot{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SessionSnapshot{}, false, nil
		}
		return model.SessionSnapshot{}, false, err
	}

	snap, err := DecodeSession(payload)
	if err != nil {
		return model.SessionSnapshot{}, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return snap, true, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE session_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]model.SessionSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, catalog, round, balance, status FROM sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SessionSummary
	for rows.Next() {
		var summary model.SessionSummary
		var status string
		if err := rows.Scan(&summary.ID, &summary.Catalog, &summary.Round, &summary.Balance, &status); err != nil {
			return nil, err
		}
		summary.Status = model.SessionStatus(status)
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveHistory(ctx context.Context, sessionID string, history []model.RoundOutcome) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeHistory(history)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO history (session_id, payload)
		VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			payload = excluded.payload
	`, sessionID, payload)
	return err
}

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string) ([]model.RoundOutcome, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM history WHERE session_id = ?`, sessionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	history, err := DecodeHistory(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode history %s: %w", sessionID, err)
	}
	return history, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			catalog TEXT NOT NULL,
			round INTEGER NOT NULL,
			balance INTEGER NOT NULL,
			status TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS history (
			session_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
	`)
	return err
}
