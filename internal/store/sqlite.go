// Package store provides storage backends for the Evolux RH agent.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/evoluxrh/rhagent/internal/models"
	"github.com/evoluxrh/rhagent/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path; the containing directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// CreateConversation inserts a new active conversation and returns its ID.
func (s *SQLiteStore) CreateConversation(phoneNumber string, userType models.UserType) (string, error) {
	if !models.IsValidUserType(userType) {
		userType = models.UserTypeUnknown
	}
	id := util.GenerateConversationID()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, phone_number, user_type, status, is_first_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		id, phoneNumber, userType, models.StatusActive, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "phone", phoneNumber)
		return "", storageErr("create conversation", err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "phone", phoneNumber, "id", id, "userType", userType)
	return id, nil
}

// GetActiveConversation returns the most recent non-finalized conversation.
func (s *SQLiteStore) GetActiveConversation(phoneNumber string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, phone_number, user_type, status, is_first_message, agent_id,
		        manual_control_taken_at, created_at, updated_at, finalized_at
		 FROM conversations
		 WHERE phone_number = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`,
		phoneNumber, models.StatusFinalized,
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetActiveConversation not found", "phone", phoneNumber)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveConversation failed", "error", err, "phone", phoneNumber)
		return nil, storageErr("get active conversation", err)
	}
	return &c, nil
}

// UpdateUserType sets the classification; writing unknown never erases a
// prior classification.
func (s *SQLiteStore) UpdateUserType(conversationID string, userType models.UserType) error {
	if userType == models.UserTypeUnknown {
		slog.Debug("SQLiteStore UpdateUserType skipped unknown", "id", conversationID)
		return nil
	}
	if !models.IsValidUserType(userType) {
		return storageErr("update user type", models.ErrInvalidUserType)
	}
	_, err := s.db.Exec(
		`UPDATE conversations SET user_type = ?, updated_at = ? WHERE id = ?`,
		userType, time.Now(), conversationID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateUserType failed", "error", err, "id", conversationID)
		return storageErr("update user type", err)
	}
	slog.Debug("SQLiteStore UpdateUserType succeeded", "id", conversationID, "userType", userType)
	return nil
}

// SetManualControl sets or clears the manual-control columns atomically.
func (s *SQLiteStore) SetManualControl(phoneNumber, agentID string) error {
	var err error
	now := time.Now()
	if agentID != "" {
		_, err = s.db.Exec(
			`UPDATE conversations
			 SET status = ?, agent_id = ?, manual_control_taken_at = ?, updated_at = ?
			 WHERE phone_number = ? AND status != ?`,
			models.StatusManualControl, agentID, now, now, phoneNumber, models.StatusFinalized,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE conversations
			 SET status = ?, agent_id = NULL, manual_control_taken_at = NULL, updated_at = ?
			 WHERE phone_number = ? AND status != ?`,
			models.StatusActive, now, phoneNumber, models.StatusFinalized,
		)
	}
	if err != nil {
		slog.Error("SQLiteStore SetManualControl failed", "error", err, "phone", phoneNumber, "agentID", agentID)
		return storageErr("set manual control", err)
	}
	slog.Debug("SQLiteStore SetManualControl succeeded", "phone", phoneNumber, "held", agentID != "")
	return nil
}

// MarkFirstMessageHandled clears the first-message gate. Idempotent.
func (s *SQLiteStore) MarkFirstMessageHandled(phoneNumber string) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET is_first_message = 0, updated_at = ?
		 WHERE phone_number = ? AND status != ?`,
		time.Now(), phoneNumber, models.StatusFinalized,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkFirstMessageHandled failed", "error", err, "phone", phoneNumber)
		return storageErr("mark first message handled", err)
	}
	slog.Debug("SQLiteStore MarkFirstMessageHandled succeeded", "phone", phoneNumber)
	return nil
}

// Finalize marks the active conversation finalized. Idempotent.
func (s *SQLiteStore) Finalize(phoneNumber string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE conversations
		 SET status = ?, finalized_at = ?, agent_id = NULL, manual_control_taken_at = NULL, updated_at = ?
		 WHERE phone_number = ? AND status != ?`,
		models.StatusFinalized, now, now, phoneNumber, models.StatusFinalized,
	)
	if err != nil {
		slog.Error("SQLiteStore Finalize failed", "error", err, "phone", phoneNumber)
		return storageErr("finalize conversation", err)
	}
	slog.Debug("SQLiteStore Finalize succeeded", "phone", phoneNumber)
	return nil
}

// AppendMessage stores a message under a conversation and bumps the
// conversation's updated_at. The row's updated_at is the persisted
// last-activity time that timer re-arming and the stale sweep read.
func (s *SQLiteStore) AppendMessage(conversationID, body string, sender models.MessageSender) (string, error) {
	id := util.GenerateMessageID()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, body, sender, timestamp) VALUES (?, ?, ?, ?, ?)`,
		id, conversationID, body, sender, now,
	)
	if err != nil {
		slog.Error("SQLiteStore AppendMessage failed", "error", err, "conversationID", conversationID)
		return "", storageErr("append message", err)
	}
	if _, err := s.db.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		slog.Error("SQLiteStore AppendMessage failed to bump updated_at", "error", err, "conversationID", conversationID)
		return "", storageErr("append message", err)
	}
	slog.Debug("SQLiteStore AppendMessage succeeded", "conversationID", conversationID, "sender", sender)
	return id, nil
}

// GetHistory returns up to limit messages in chronological order.
func (s *SQLiteStore) GetHistory(conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, body, sender, timestamp FROM messages
		 WHERE conversation_id = ?
		 ORDER BY timestamp DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore GetHistory query failed", "error", err, "conversationID", conversationID)
		return nil, storageErr("get history", err)
	}
	defer rows.Close()

	var history []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error("SQLiteStore GetHistory scan failed", "error", err)
			return nil, storageErr("get history", err)
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get history", err)
	}
	// Query returns newest first; flip to chronological order.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	slog.Debug("SQLiteStore GetHistory succeeded", "conversationID", conversationID, "count", len(history))
	return history, nil
}

// CountMessages returns the number of messages stored for a conversation.
func (s *SQLiteStore) CountMessages(conversationID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore CountMessages failed", "error", err, "conversationID", conversationID)
		return 0, storageErr("count messages", err)
	}
	return count, nil
}

// ListByStatus returns all conversations with the given status, most recent first.
func (s *SQLiteStore) ListByStatus(status models.ConversationStatus) ([]models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, phone_number, user_type, status, is_first_message, agent_id,
		        manual_control_taken_at, created_at, updated_at, finalized_at
		 FROM conversations WHERE status = ? ORDER BY created_at DESC`,
		status,
	)
	if err != nil {
		slog.Error("SQLiteStore ListByStatus query failed", "error", err, "status", status)
		return nil, storageErr("list by status", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			slog.Error("SQLiteStore ListByStatus scan failed", "error", err)
			return nil, storageErr("list by status", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list by status", err)
	}
	slog.Debug("SQLiteStore ListByStatus succeeded", "status", status, "count", len(conversations))
	return conversations, nil
}

// CreateNotification stores a dashboard notification.
func (s *SQLiteStore) CreateNotification(n models.Notification) (string, error) {
	if !models.IsValidNotificationType(n.Type) {
		return "", storageErr("create notification", models.ErrInvalidNotificationTyp)
	}
	id := util.GenerateNotificationID()
	_, err := s.db.Exec(
		`INSERT INTO notifications (id, type, phone_number, title, body, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		id, n.Type, n.PhoneNumber, n.Title, n.Body, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore CreateNotification failed", "error", err, "phone", n.PhoneNumber)
		return "", storageErr("create notification", err)
	}
	slog.Debug("SQLiteStore CreateNotification succeeded", "type", n.Type, "phone", n.PhoneNumber)
	return id, nil
}

// ListNotifications returns notifications, optionally filtered by type.
func (s *SQLiteStore) ListNotifications(typ models.NotificationType, limit int) ([]models.Notification, error) {
	query := `SELECT id, type, phone_number, title, body, is_read, created_at FROM notifications`
	args := []interface{}{}
	if typ != "" {
		query += ` WHERE type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListNotifications query failed", "error", err)
		return nil, storageErr("list notifications", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			slog.Error("SQLiteStore ListNotifications scan failed", "error", err)
			return nil, storageErr("list notifications", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list notifications", err)
	}
	return notifications, nil
}

// MarkNotificationRead flags a notification as read. Idempotent.
func (s *SQLiteStore) MarkNotificationRead(id string) error {
	_, err := s.db.Exec(`UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore MarkNotificationRead failed", "error", err, "id", id)
		return storageErr("mark notification read", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
