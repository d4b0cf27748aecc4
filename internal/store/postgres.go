// Package store provides storage backends for the Evolux RH agent.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/evoluxrh/rhagent/internal/models"
	"github.com/evoluxrh/rhagent/internal/util"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running PostgreSQL migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// CreateConversation inserts a new active conversation and returns its ID.
func (s *PostgresStore) CreateConversation(phoneNumber string, userType models.UserType) (string, error) {
	if !models.IsValidUserType(userType) {
		userType = models.UserTypeUnknown
	}
	id := util.GenerateConversationID()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, phone_number, user_type, status, is_first_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, TRUE, $5, $6)`,
		id, phoneNumber, userType, models.StatusActive, now, now,
	)
	if err != nil {
		slog.Error("PostgresStore CreateConversation failed", "error", err, "phone", phoneNumber)
		return "", storageErr("create conversation", err)
	}
	slog.Debug("PostgresStore CreateConversation succeeded", "phone", phoneNumber, "id", id, "userType", userType)
	return id, nil
}

// GetActiveConversation returns the most recent non-finalized conversation.
func (s *PostgresStore) GetActiveConversation(phoneNumber string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, phone_number, user_type, status, is_first_message, agent_id,
		        manual_control_taken_at, created_at, updated_at, finalized_at
		 FROM conversations
		 WHERE phone_number = $1 AND status != $2
		 ORDER BY created_at DESC LIMIT 1`,
		phoneNumber, models.StatusFinalized,
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetActiveConversation not found", "phone", phoneNumber)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveConversation failed", "error", err, "phone", phoneNumber)
		return nil, storageErr("get active conversation", err)
	}
	return &c, nil
}

// UpdateUserType sets the classification; writing unknown never erases a
// prior classification.
func (s *PostgresStore) UpdateUserType(conversationID string, userType models.UserType) error {
	if userType == models.UserTypeUnknown {
		slog.Debug("PostgresStore UpdateUserType skipped unknown", "id", conversationID)
		return nil
	}
	if !models.IsValidUserType(userType) {
		return storageErr("update user type", models.ErrInvalidUserType)
	}
	_, err := s.db.Exec(
		`UPDATE conversations SET user_type = $1, updated_at = $2 WHERE id = $3`,
		userType, time.Now(), conversationID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateUserType failed", "error", err, "id", conversationID)
		return storageErr("update user type", err)
	}
	return nil
}

// SetManualControl sets or clears the manual-control columns atomically.
func (s *PostgresStore) SetManualControl(phoneNumber, agentID string) error {
	var err error
	now := time.Now()
	if agentID != "" {
		_, err = s.db.Exec(
			`UPDATE conversations
			 SET status = $1, agent_id = $2, manual_control_taken_at = $3, updated_at = $4
			 WHERE phone_number = $5 AND status != $6`,
			models.StatusManualControl, agentID, now, now, phoneNumber, models.StatusFinalized,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE conversations
			 SET status = $1, agent_id = NULL, manual_control_taken_at = NULL, updated_at = $2
			 WHERE phone_number = $3 AND status != $4`,
			models.StatusActive, now, phoneNumber, models.StatusFinalized,
		)
	}
	if err != nil {
		slog.Error("PostgresStore SetManualControl failed", "error", err, "phone", phoneNumber, "agentID", agentID)
		return storageErr("set manual control", err)
	}
	slog.Debug("PostgresStore SetManualControl succeeded", "phone", phoneNumber, "held", agentID != "")
	return nil
}

// MarkFirstMessageHandled clears the first-message gate. Idempotent.
func (s *PostgresStore) MarkFirstMessageHandled(phoneNumber string) error {
	_, err := s.db.Exec(
		`UPDATE conversations SET is_first_message = FALSE, updated_at = $1
		 WHERE phone_number = $2 AND status != $3`,
		time.Now(), phoneNumber, models.StatusFinalized,
	)
	if err != nil {
		slog.Error("PostgresStore MarkFirstMessageHandled failed", "error", err, "phone", phoneNumber)
		return storageErr("mark first message handled", err)
	}
	return nil
}

// Finalize marks the active conversation finalized. Idempotent.
func (s *PostgresStore) Finalize(phoneNumber string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE conversations
		 SET status = $1, finalized_at = $2, agent_id = NULL, manual_control_taken_at = NULL, updated_at = $3
		 WHERE phone_number = $4 AND status != $5`,
		models.StatusFinalized, now, now, phoneNumber, models.StatusFinalized,
	)
	if err != nil {
		slog.Error("PostgresStore Finalize failed", "error", err, "phone", phoneNumber)
		return storageErr("finalize conversation", err)
	}
	slog.Debug("PostgresStore Finalize succeeded", "phone", phoneNumber)
	return nil
}

// AppendMessage stores a message under a conversation and bumps the
// conversation's updated_at. The row's updated_at is the persisted
// last-activity time that timer re-arming and the stale sweep read.
func (s *PostgresStore) AppendMessage(conversationID, body string, sender models.MessageSender) (string, error) {
	id := util.GenerateMessageID()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, body, sender, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		id, conversationID, body, sender, now,
	)
	if err != nil {
		slog.Error("PostgresStore AppendMessage failed", "error", err, "conversationID", conversationID)
		return "", storageErr("append message", err)
	}
	if _, err := s.db.Exec(
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`, now, conversationID,
	); err != nil {
		slog.Error("PostgresStore AppendMessage failed to bump updated_at", "error", err, "conversationID", conversationID)
		return "", storageErr("append message", err)
	}
	return id, nil
}

// GetHistory returns up to limit messages in chronological order.
func (s *PostgresStore) GetHistory(conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, body, sender, timestamp FROM messages
		 WHERE conversation_id = $1
		 ORDER BY timestamp DESC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		slog.Error("PostgresStore GetHistory query failed", "error", err, "conversationID", conversationID)
		return nil, storageErr("get history", err)
	}
	defer rows.Close()

	var history []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error("PostgresStore GetHistory scan failed", "error", err)
			return nil, storageErr("get history", err)
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get history", err)
	}
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// CountMessages returns the number of messages stored for a conversation.
func (s *PostgresStore) CountMessages(conversationID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore CountMessages failed", "error", err, "conversationID", conversationID)
		return 0, storageErr("count messages", err)
	}
	return count, nil
}

// ListByStatus returns all conversations with the given status, most recent first.
func (s *PostgresStore) ListByStatus(status models.ConversationStatus) ([]models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, phone_number, user_type, status, is_first_message, agent_id,
		        manual_control_taken_at, created_at, updated_at, finalized_at
		 FROM conversations WHERE status = $1 ORDER BY created_at DESC`,
		status,
	)
	if err != nil {
		slog.Error("PostgresStore ListByStatus query failed", "error", err, "status", status)
		return nil, storageErr("list by status", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			slog.Error("PostgresStore ListByStatus scan failed", "error", err)
			return nil, storageErr("list by status", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list by status", err)
	}
	return conversations, nil
}

// CreateNotification stores a dashboard notification.
func (s *PostgresStore) CreateNotification(n models.Notification) (string, error) {
	if !models.IsValidNotificationType(n.Type) {
		return "", storageErr("create notification", models.ErrInvalidNotificationTyp)
	}
	id := util.GenerateNotificationID()
	_, err := s.db.Exec(
		`INSERT INTO notifications (id, type, phone_number, title, body, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		id, n.Type, n.PhoneNumber, n.Title, n.Body, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore CreateNotification failed", "error", err, "phone", n.PhoneNumber)
		return "", storageErr("create notification", err)
	}
	return id, nil
}

// ListNotifications returns notifications, optionally filtered by type.
func (s *PostgresStore) ListNotifications(typ models.NotificationType, limit int) ([]models.Notification, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if typ != "" {
		rows, err = s.db.Query(
			`SELECT id, type, phone_number, title, body, is_read, created_at FROM notifications
			 WHERE type = $1 ORDER BY created_at DESC LIMIT $2`, typ, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT id, type, phone_number, title, body, is_read, created_at FROM notifications
			 ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		slog.Error("PostgresStore ListNotifications query failed", "error", err)
		return nil, storageErr("list notifications", err)
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			slog.Error("PostgresStore ListNotifications scan failed", "error", err)
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
func (s *PostgresStore) MarkNotificationRead(id string) error {
	_, err := s.db.Exec(`UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore MarkNotificationRead failed", "error", err, "id", id)
		return storageErr("mark notification read", err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
