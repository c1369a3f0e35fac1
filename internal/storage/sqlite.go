package storage

import (
	"database/sql"
	"time"

	"github.com/promisekid/CloudArt/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

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
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		image_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateSession(title string) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO sessions (title, created_at) VALUES (?, ?)`,
		title, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetSession(id int64) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, title, created_at FROM sessions WHERE id = ?`, id,
	)

	var session models.Session
	if err := row.Scan(&session.ID, &session.Title, &session.CreatedAt); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Storage) ListSessions() ([]*models.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, title, created_at FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var session models.Session
		if err := rows.Scan(&session.ID, &session.Title, &session.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &session)
	}

	return sessions, rows.Err()
}

func (s *Storage) RenameSession(id int64, title string) error {
	_, err := s.db.Exec(`UPDATE sessions SET title = ? WHERE id = ?`, title, id)
	return err
}

func (s *Storage) DeleteSession(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Storage) AddMessage(msg *models.Message) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO messages (session_id, role, content, image_path, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, msg.ImagePath, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetMessages(sessionID int64) ([]*models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, image_path, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.ImagePath, &msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// ListGeneratedImages returns the paths of every AI image result, newest
// first. This feeds the gallery.
func (s *Storage) ListGeneratedImages() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT image_path FROM messages
		 WHERE role = ? AND image_path != ''
		 ORDER BY created_at DESC, id DESC`, models.RoleAI,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}

	return paths, rows.Err()
}
