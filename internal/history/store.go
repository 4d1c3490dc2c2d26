// Package history persists finished conversations and their turns to a
// local SQLite database.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	DebriefPending   = "pending"
	DebriefRunning   = "running"
	DebriefCompleted = "completed"
	DebriefFailed    = "failed"
)

// Conversation is one practice call.
type Conversation struct {
	ID            int64      `json:"id"`
	Persona       string     `json:"persona"`
	Scenario      string     `json:"scenario"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Analysis      string     `json:"analysis"`
	Debrief       string     `json:"debrief"`
	DebriefStatus string     `json:"debrief_status"`
}

// Turn is one merged utterance within a conversation.
type Turn struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Store is the SQLite-backed conversation history. A single connection with
// WAL keeps writers from tripping over the event feed's reads.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "parley.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			persona TEXT NOT NULL,
			scenario TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at TEXT,
			analysis TEXT NOT NULL DEFAULT '',
			debrief TEXT NOT NULL DEFAULT '',
			debrief_status TEXT NOT NULL DEFAULT 'pending'
		);
	`); err != nil {
		return fmt.Errorf("create conversations table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			at TEXT NOT NULL,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create turns table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS debrief_requests (
			conversation_id INTEGER NOT NULL,
			transcript_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(conversation_id, transcript_hash)
		);
	`); err != nil {
		return fmt.Errorf("create debrief_requests table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_conversations_started_at ON conversations(started_at)"); err != nil {
		return fmt.Errorf("create conversations index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_turns_conversation_id ON turns(conversation_id, id)"); err != nil {
		return fmt.Errorf("create turns index: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin records a new conversation and returns its id.
func (s *Store) Begin(persona, scenario string, at time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO conversations(persona, scenario, started_at, debrief_status) VALUES(?, ?, ?, ?)`,
		strings.TrimSpace(persona),
		strings.TrimSpace(scenario),
		at.UTC().Format(time.RFC3339Nano),
		DebriefPending,
	)
	if err != nil {
		return 0, fmt.Errorf("begin conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("begin conversation id: %w", err)
	}
	return id, nil
}

// AppendTurn records one merged utterance.
func (s *Store) AppendTurn(conversationID int64, speaker, text string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO turns(conversation_id, speaker, text, at) VALUES(?, ?, ?, ?)`,
		conversationID,
		speaker,
		strings.TrimSpace(text),
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append turn for conversation %d: %w", conversationID, err)
	}
	return nil
}

// End closes a conversation, attaching any backend analysis payload.
func (s *Store) End(conversationID int64, analysis string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET ended_at = ?, analysis = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano),
		analysis,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("end conversation %d: %w", conversationID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end conversation rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateDebrief stores a coaching note and its status.
func (s *Store) UpdateDebrief(conversationID int64, debrief, status string) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET debrief = ?, debrief_status = ? WHERE id = ?`,
		debrief,
		status,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("update debrief for conversation %d: %w", conversationID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update debrief rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ClaimDebriefRequest records intent to debrief a transcript hash. Returns
// false when the same transcript was already claimed, so a retry or restart
// never pays for the same completion twice.
func (s *Store) ClaimDebriefRequest(conversationID int64, transcriptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO debrief_requests(conversation_id, transcript_hash) VALUES(?, ?)`,
		conversationID,
		transcriptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim debrief request for conversation %d: %w", conversationID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim debrief rows affected: %w", err)
	}
	return rows > 0, nil
}

// Conversations lists all conversations, newest first.
func (s *Store) Conversations() ([]Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, persona, scenario, started_at, ended_at, analysis, debrief, debrief_status
		 FROM conversations
		 ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	conversations := make([]Conversation, 0, 16)
	for rows.Next() {
		conv, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return conversations, nil
}

// Conversation fetches one conversation by id.
func (s *Store) Conversation(id int64) (Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, persona, scenario, started_at, ended_at, analysis, debrief, debrief_status
		 FROM conversations WHERE id = ?`,
		id,
	)
	conv, err := scanConversation(row.Scan)
	if err != nil {
		return Conversation{}, fmt.Errorf("query conversation %d: %w", id, err)
	}
	return conv, nil
}

// Turns fetches a conversation's turns in order.
func (s *Store) Turns(conversationID int64) ([]Turn, error) {
	rows, err := s.db.Query(
		`SELECT speaker, text, at FROM turns WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns for conversation %d: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]Turn, 0, 32)
	for rows.Next() {
		var turn Turn
		var at string
		if err := rows.Scan(&turn.Speaker, &turn.Text, &at); err != nil {
			return nil, fmt.Errorf("scan turn for conversation %d: %w", conversationID, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse turn timestamp for conversation %d: %w", conversationID, err)
		}
		turn.At = parsed
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows for conversation %d: %w", conversationID, err)
	}
	return turns, nil
}

func scanConversation(scan func(dest ...any) error) (Conversation, error) {
	var conv Conversation
	var startedAt string
	var endedAt sql.NullString
	if err := scan(&conv.ID, &conv.Persona, &conv.Scenario, &startedAt, &endedAt,
		&conv.Analysis, &conv.Debrief, &conv.DebriefStatus); err != nil {
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("parse started_at: %w", err)
	}
	conv.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Conversation{}, fmt.Errorf("parse ended_at: %w", err)
		}
		conv.EndedAt = &parsedEnd
	}

	return conv, nil
}
