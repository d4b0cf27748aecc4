package store

import (
	"database/sql"

	"github.com/evoluxrh/rhagent/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation scans a conversation row in the canonical column order:
// id, phone_number, user_type, status, is_first_message, agent_id,
// manual_control_taken_at, created_at, updated_at, finalized_at.
func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var agentID sql.NullString
	var takenAt, finalizedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.PhoneNumber, &c.UserType, &c.Status, &c.IsFirstMessage,
		&agentID, &takenAt, &c.CreatedAt, &c.UpdatedAt, &finalizedAt,
	)
	if err != nil {
		return c, err
	}
	c.AgentID = agentID.String
	if takenAt.Valid {
		c.ManualControlTakenAt = &takenAt.Time
	}
	if finalizedAt.Valid {
		c.FinalizedAt = &finalizedAt.Time
	}
	return c, nil
}

// scanMessage scans a message row in the canonical column order:
// id, conversation_id, body, sender, timestamp.
func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Body, &m.Sender, &m.Timestamp)
	return m, err
}

// scanNotification scans a notification row in the canonical column order:
// id, type, phone_number, title, body, is_read, created_at.
func scanNotification(row rowScanner) (models.Notification, error) {
	var n models.Notification
	err := row.Scan(&n.ID, &n.Type, &n.PhoneNumber, &n.Title, &n.Body, &n.IsRead, &n.CreatedAt)
	return n, err
}
