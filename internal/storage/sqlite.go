package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/studio/internal/accumulator"
	"github.com/mpataki/studio/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNoArtifact is returned when a session has not compiled an artifact.
var ErrNoArtifact = errors.New("no artifact for session")

// Record is everything needed to rebuild a session's state machine.
type Record struct {
	Session *models.Session
	Context []accumulator.Entry
}

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		squad_id TEXT NOT NULL,
		idea TEXT NOT NULL,
		stage_index INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'idle',
		revision INTEGER NOT NULL DEFAULT 0,
		revisions INTEGER NOT NULL DEFAULT 0,
		pending_deck TEXT,
		failure TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS slot_writes (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		slot TEXT NOT NULL,
		owner INTEGER NOT NULL,
		value TEXT,
		retracted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS stage_records (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		stage_index INTEGER NOT NULL,
		stage_id TEXT NOT NULL,
		deck TEXT,
		selection TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		discarded INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveSession writes the full session state in one transaction.
func (s *Storage) SaveSession(rec *Record) error {
	sess := rec.Session
	pending, err := marshalNullable(sess.PendingDeck)
	if err != nil {
		return fmt.Errorf("failed to encode pending deck: %w", err)
	}
	failure, err := marshalNullable(sess.Failure)
	if err != nil {
		return fmt.Errorf("failed to encode failure: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (id, squad_id, idea, stage_index, status, revision, revisions, pending_deck, failure, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			squad_id = excluded.squad_id, idea = excluded.idea, stage_index = excluded.stage_index,
			status = excluded.status, revision = excluded.revision, revisions = excluded.revisions,
			pending_deck = excluded.pending_deck, failure = excluded.failure,
			updated_at = excluded.updated_at, completed_at = excluded.completed_at`,
		sess.ID, sess.SquadID, sess.Idea, sess.StageIndex, sess.Status, sess.Revision, sess.Revisions,
		pending, failure, sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM slot_writes WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}
	for _, e := range rec.Context {
		value, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("failed to encode slot %q: %w", e.Slot, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO slot_writes (session_id, seq, slot, owner, value, retracted) VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, e.Seq, e.Slot, e.Owner, string(value), e.Retracted,
		); err != nil {
			return fmt.Errorf("failed to save slot write: %w", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM stage_records WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}
	for _, r := range sess.Log {
		deck, err := marshalNullable(r.Deck)
		if err != nil {
			return fmt.Errorf("failed to encode deck: %w", err)
		}
		var selection sql.NullString
		if r.Selection != nil {
			data, err := json.Marshal(r.Selection)
			if err != nil {
				return fmt.Errorf("failed to encode selection: %w", err)
			}
			selection = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := tx.Exec(
			`INSERT INTO stage_records (session_id, seq, stage_index, stage_id, deck, selection, attempts, discarded, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, r.Seq, r.StageIndex, r.StageID, deck, selection, r.Attempts, r.Discarded, r.StartedAt, r.CompletedAt,
		); err != nil {
			return fmt.Errorf("failed to save stage record: %w", err)
		}
	}

	return tx.Commit()
}

const sessionColumns = `id, squad_id, idea, stage_index, status, revision, revisions, pending_deck, failure, created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.Session, error) {
	var sess models.Session
	var pending, failure sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&sess.ID, &sess.SquadID, &sess.Idea, &sess.StageIndex, &sess.Status, &sess.Revision, &sess.Revisions,
		&pending, &failure, &sess.CreatedAt, &sess.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if pending.Valid {
		if err := json.Unmarshal([]byte(pending.String), &sess.PendingDeck); err != nil {
			return nil, fmt.Errorf("failed to decode pending deck: %w", err)
		}
	}
	if failure.Valid {
		if err := json.Unmarshal([]byte(failure.String), &sess.Failure); err != nil {
			return nil, fmt.Errorf("failed to decode failure: %w", err)
		}
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return &sess, nil
}

// LoadSession reads a session with its stage log and context history.
func (s *Storage) LoadSession(id string) (*Record, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if sess.Log, err = s.stageRecords(id); err != nil {
		return nil, err
	}
	entries, err := s.slotWrites(id)
	if err != nil {
		return nil, err
	}
	return &Record{Session: sess, Context: entries}, nil
}

func (s *Storage) stageRecords(id string) ([]*models.StageRecord, error) {
	rows, err := s.db.Query(
		`SELECT seq, stage_index, stage_id, deck, selection, attempts, discarded, started_at, completed_at
		 FROM stage_records WHERE session_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load stage records: %w", err)
	}
	defer rows.Close()

	var records []*models.StageRecord
	for rows.Next() {
		var r models.StageRecord
		var deck, selection sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&r.Seq, &r.StageIndex, &r.StageID, &deck, &selection, &r.Attempts, &r.Discarded, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if deck.Valid {
			if err := json.Unmarshal([]byte(deck.String), &r.Deck); err != nil {
				return nil, fmt.Errorf("failed to decode deck: %w", err)
			}
		}
		if selection.Valid {
			if err := json.Unmarshal([]byte(selection.String), &r.Selection); err != nil {
				return nil, fmt.Errorf("failed to decode selection: %w", err)
			}
		}
		if startedAt.Valid {
			r.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *Storage) slotWrites(id string) ([]accumulator.Entry, error) {
	rows, err := s.db.Query(
		`SELECT seq, slot, owner, value, retracted FROM slot_writes WHERE session_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}
	defer rows.Close()

	var entries []accumulator.Entry
	for rows.Next() {
		var e accumulator.Entry
		var value sql.NullString
		if err := rows.Scan(&e.Seq, &e.Slot, &e.Owner, &value, &e.Retracted); err != nil {
			return nil, err
		}
		if value.Valid {
			if err := json.Unmarshal([]byte(value.String), &e.Value); err != nil {
				return nil, fmt.Errorf("failed to decode slot %q: %w", e.Slot, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListSessions returns the most recently updated sessions without their logs.
func (s *Storage) ListSessions(limit int) ([]*models.Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListByStatus returns the ids of sessions in any of the given statuses.
func (s *Storage) ListByStatus(statuses ...models.SessionStatus) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.Query(`SELECT id FROM sessions WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Storage) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"artifacts", "stage_records", "slot_writes"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE session_id = ?`, id); err != nil {
			return err
		}
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return tx.Commit()
}

func (s *Storage) SaveArtifact(sessionID string, art *models.FinalArtifact) error {
	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO artifacts (session_id, kind, data, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET kind = excluded.kind, data = excluded.data, created_at = excluded.created_at`,
		sessionID, art.Kind, string(data), time.Now().UTC(),
	)
	return err
}

func (s *Storage) LoadArtifact(sessionID string) (*models.FinalArtifact, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM artifacts WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoArtifact
	}
	if err != nil {
		return nil, err
	}
	var art models.FinalArtifact
	if err := json.Unmarshal([]byte(data), &art); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &art, nil
}

func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// FormatTimeAgo formats t for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
