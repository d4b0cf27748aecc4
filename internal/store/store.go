// Package store provides storage backends for the Evolux RH agent.
//
// It defines the durable contract over the conversations, messages and
// notifications tables, with SQLite and PostgreSQL implementations.
package store

import (
	"strings"

	"github.com/evoluxrh/rhagent/internal/models"
)

// Store is the durable conversation contract. All operations are atomic
// with respect to a single phone number's row. Every failure is reported
// as a *StorageError and callers must treat the operation as not applied.
type Store interface {
	// CreateConversation inserts a new active conversation with
	// is_first_message set and returns its ID.
	CreateConversation(phoneNumber string, userType models.UserType) (string, error)

	// GetActiveConversation returns the most recent non-finalized
	// conversation for the phone number, or nil if none exists.
	GetActiveConversation(phoneNumber string) (*models.Conversation, error)

	// UpdateUserType sets the classification. Classification is monotonic:
	// an attempt to write back to unknown is a no-op.
	UpdateUserType(conversationID string, userType models.UserType) error

	// SetManualControl atomically sets status and the manual-control
	// columns. An empty agentID clears manual control and returns the
	// conversation to active status.
	SetManualControl(phoneNumber, agentID string) error

	// MarkFirstMessageHandled clears the first-message gate. Idempotent.
	MarkFirstMessageHandled(phoneNumber string) error

	// Finalize marks the active conversation finalized with the current
	// time. Idempotent: a no-op when no non-finalized row exists.
	Finalize(phoneNumber string) error

	// AppendMessage stores a message under a conversation and returns its ID.
	AppendMessage(conversationID, body string, sender models.MessageSender) (string, error)

	// GetHistory returns up to limit messages of a conversation in
	// chronological order.
	GetHistory(conversationID string, limit int) ([]models.Message, error)

	// CountMessages returns the number of messages stored for a conversation.
	CountMessages(conversationID string) (int, error)

	// ListByStatus returns all conversations with the given status,
	// most recent first. Used by recovery and the stale sweep.
	ListByStatus(status models.ConversationStatus) ([]models.Conversation, error)

	// CreateNotification stores a dashboard notification and returns its ID.
	CreateNotification(n models.Notification) (string, error)

	// ListNotifications returns notifications, optionally filtered by type,
	// most recent first.
	ListNotifications(typ models.NotificationType, limit int) ([]models.Notification, error)

	// MarkNotificationRead flags a notification as read. Idempotent.
	MarkNotificationRead(id string) error

	// Close releases the underlying database connection.
	Close() error
}

// StorageError wraps an underlying database failure. The contract for
// callers is "assume no state change happened": retry or surface to an
// operator, never apply in-memory side effects on top of it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "store: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// DetectDSNType classifies a DSN string as "postgres" or "sqlite".
// PostgreSQL DSNs use URL or key=value form; everything else is treated
// as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}
