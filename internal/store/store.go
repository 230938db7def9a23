// Package store is the durable side of the chat system: users, rooms,
// membership, invitations, and the per-room append-only message log.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/parley/parley/internal/domain"
)

// timeLayout is fixed-width RFC 3339 so that lexicographic ordering of the
// stored text matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL mode for better concurrency between the coordinator's appends and
	// the HTTP layer's reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("module", "store").Str("path", dbPath).Msg("database initialized")
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE,
		password_hash TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		created_by TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (created_by) REFERENCES users (id)
	);

	CREATE TABLE IF NOT EXISTS room_participants (
		room_id TEXT,
		user_id TEXT,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, user_id),
		FOREIGN KEY (room_id) REFERENCES rooms (id),
		FOREIGN KEY (user_id) REFERENCES users (id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		user_id TEXT,
		content TEXT NOT NULL,
		message_type TEXT DEFAULT 'user',
		created_at TEXT NOT NULL,
		FOREIGN KEY (room_id) REFERENCES rooms (id),
		FOREIGN KEY (user_id) REFERENCES users (id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS invitations (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		email TEXT NOT NULL,
		invited_by TEXT NOT NULL,
		token TEXT UNIQUE NOT NULL,
		expires_at TEXT NOT NULL,
		used BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms (id),
		FOREIGN KEY (invited_by) REFERENCES users (id)
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Message log

// AppendMessage adds one immutable record to the room's log. The coordinator
// calls this in accept order; sqlite serializes the writes.
func (s *Store) AppendMessage(msg domain.Message) error {
	var userID any
	if msg.UserID != nil {
		userID = string(*msg.UserID)
	}
	_, err := s.db.Exec(
		"INSERT INTO messages (id, room_id, user_id, content, message_type, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, string(msg.RoomID), userID, msg.Content, string(msg.Type), msg.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit most recent messages, oldest first.
func (s *Store) RecentMessages(roomID domain.RoomID, limit int) ([]domain.Message, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.room_id, m.user_id, m.content, m.message_type, COALESCE(u.username, ''), m.created_at
		FROM messages m
		LEFT JOIN users u ON m.user_id = u.id
		WHERE m.room_id = ?
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ?`,
		string(roomID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// MessagesPage returns a descending page of history for the REST API,
// re-ordered oldest first like RecentMessages.
func (s *Store) MessagesPage(roomID domain.RoomID, limit, offset int) ([]domain.Message, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.room_id, m.user_id, m.content, m.message_type, COALESCE(u.username, ''), m.created_at
		FROM messages m
		LEFT JOIN users u ON m.user_id = u.id
		WHERE m.room_id = ?
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ? OFFSET ?`,
		string(roomID), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("messages page: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	var msgs []domain.Message
	for rows.Next() {
		var (
			m         domain.Message
			userID    sql.NullString
			username  string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &userID, &m.Content, &m.Type, &username, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if userID.Valid {
			uid := domain.UserID(userID.String)
			m.UserID = &uid
		}
		m.Username = username
		if m.Type == domain.MessageTypeAssistant {
			m.Username = domain.AssistantName
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func reverse(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// Membership

// AddParticipant records durable membership. Joining twice is a no-op.
func (s *Store) AddParticipant(roomID domain.RoomID, userID domain.UserID) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO room_participants (room_id, user_id) VALUES (?, ?)",
		string(roomID), string(userID),
	)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *Store) IsParticipant(roomID domain.RoomID, userID domain.UserID) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM room_participants WHERE room_id = ? AND user_id = ?",
		string(roomID), string(userID),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ParticipantCount(roomID domain.RoomID) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM room_participants WHERE room_id = ?", string(roomID),
	).Scan(&n)
	return n, err
}

// Participants lists the room's durable members, earliest joiner first.
func (s *Store) Participants(roomID domain.RoomID) ([]domain.Participant, error) {
	rows, err := s.db.Query(`
		SELECT u.id, u.username, COALESCE(u.email, ''), p.joined_at
		FROM room_participants p
		JOIN users u ON p.user_id = u.id
		WHERE p.room_id = ?
		ORDER BY p.joined_at ASC`,
		string(roomID),
	)
	if err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var (
			p        domain.Participant
			joinedAt time.Time
		)
		if err := rows.Scan(&p.ID, &p.Username, &p.Email, &joinedAt); err != nil {
			return nil, err
		}
		p.JoinedAt = joinedAt
		out = append(out, p)
	}
	return out, rows.Err()
}

// Users

func (s *Store) CreateUser(user domain.User, passwordHash string) error {
	_, err := s.db.Exec(
		"INSERT INTO users (id, username, email, password_hash) VALUES (?, ?, ?, ?)",
		string(user.ID), user.Username, nullable(user.Email), passwordHash,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) UserByUsername(username string) (*domain.User, string, error) {
	row := s.db.QueryRow(
		"SELECT id, username, COALESCE(email, ''), COALESCE(password_hash, '') FROM users WHERE username = ?",
		username,
	)
	return scanUser(row)
}

func (s *Store) UserByID(id domain.UserID) (*domain.User, string, error) {
	row := s.db.QueryRow(
		"SELECT id, username, COALESCE(email, ''), COALESCE(password_hash, '') FROM users WHERE id = ?",
		string(id),
	)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, string, error) {
	var (
		u    domain.User
		hash string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &hash)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &u, hash, nil
}

// UserExists reports whether the username or (non-empty) email is taken.
func (s *Store) UserExists(username, email string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM users WHERE username = ? OR (email = ? AND email != '')",
		username, email,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Rooms

func (s *Store) CreateRoom(room domain.Room) error {
	_, err := s.db.Exec(
		"INSERT INTO rooms (id, name, description, created_by) VALUES (?, ?, ?, ?)",
		string(room.ID), room.Name, room.Description, nullable(string(room.CreatedBy)),
	)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

func (s *Store) RoomByID(id domain.RoomID) (*domain.Room, error) {
	row := s.db.QueryRow(
		"SELECT id, name, COALESCE(description, ''), COALESCE(created_by, ''), created_at FROM rooms WHERE id = ?",
		string(id),
	)
	var (
		room      domain.Room
		createdAt time.Time
	)
	err := row.Scan(&room.ID, &room.Name, &room.Description, &room.CreatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	room.CreatedAt = createdAt
	return &room, nil
}

// RoomsForUser lists rooms the user is a durable participant of.
func (s *Store) RoomsForUser(userID domain.UserID) ([]domain.Room, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.name, COALESCE(r.description, ''), COALESCE(r.created_by, ''), r.created_at
		FROM rooms r
		JOIN room_participants p ON p.room_id = r.id
		WHERE p.user_id = ?
		ORDER BY r.created_at DESC`,
		string(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("rooms for user: %w", err)
	}
	defer rows.Close()

	var out []domain.Room
	for rows.Next() {
		var (
			room      domain.Room
			createdAt time.Time
		)
		if err := rows.Scan(&room.ID, &room.Name, &room.Description, &room.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		room.CreatedAt = createdAt
		out = append(out, room)
	}
	return out, rows.Err()
}

// Invitations

func (s *Store) CreateInvitation(inv domain.Invitation) error {
	_, err := s.db.Exec(
		"INSERT INTO invitations (id, room_id, email, invited_by, token, expires_at) VALUES (?, ?, ?, ?, ?, ?)",
		inv.ID, string(inv.RoomID), inv.Email, string(inv.InvitedBy), inv.Token, inv.ExpiresAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	return nil
}

// InvitationByToken returns the invitation only if it is unused and unexpired.
func (s *Store) InvitationByToken(token string) (*domain.Invitation, error) {
	row := s.db.QueryRow(
		"SELECT id, room_id, email, invited_by, token, expires_at, used FROM invitations WHERE token = ? AND used = FALSE",
		token,
	)
	var (
		inv       domain.Invitation
		expiresAt string
	)
	err := row.Scan(&inv.ID, &inv.RoomID, &inv.Email, &inv.InvitedBy, &inv.Token, &expiresAt, &inv.Used)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, expiresAt); perr == nil {
		inv.ExpiresAt = t
	}
	if time.Now().After(inv.ExpiresAt) {
		return nil, nil
	}
	return &inv, nil
}

// PendingInvitations lists the room's unused, unexpired invitations with the
// inviter's username, most recent first.
func (s *Store) PendingInvitations(roomID domain.RoomID) ([]domain.Invitation, error) {
	rows, err := s.db.Query(`
		SELECT i.id, i.room_id, i.email, i.invited_by, u.username, i.token, i.expires_at
		FROM invitations i
		JOIN users u ON i.invited_by = u.id
		WHERE i.room_id = ? AND i.used = FALSE AND i.expires_at > ?
		ORDER BY i.created_at DESC`,
		string(roomID), time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("pending invitations: %w", err)
	}
	defer rows.Close()

	var out []domain.Invitation
	for rows.Next() {
		var (
			inv       domain.Invitation
			expiresAt string
		)
		if err := rows.Scan(&inv.ID, &inv.RoomID, &inv.Email, &inv.InvitedBy, &inv.InvitedByUsername, &inv.Token, &expiresAt); err != nil {
			return nil, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, expiresAt); perr == nil {
			inv.ExpiresAt = t
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) MarkInvitationUsed(id string) error {
	_, err := s.db.Exec("UPDATE invitations SET used = TRUE WHERE id = ?", id)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
