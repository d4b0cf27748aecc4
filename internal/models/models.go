// Package models defines the core data structures for the Evolux RH agent.
//
// It includes the conversation and message records shared across modules,
// runtime descriptors for manual control, and the API response envelope.
package models

import (
	"errors"
	"time"
)

// UserType classifies the counterpart behind a phone number.
type UserType string

const (
	// UserTypeUnknown means the conversation has not been classified yet.
	UserTypeUnknown UserType = "unknown"
	// UserTypeCandidate is a person looking for a job.
	UserTypeCandidate UserType = "candidate"
	// UserTypeCompany is a company interested in recruitment services.
	UserTypeCompany UserType = "company"
	// UserTypeOther covers everything that is neither candidate nor company.
	UserTypeOther UserType = "other"
)

// IsValidUserType checks if the given user type is supported.
func IsValidUserType(ut UserType) bool {
	switch ut {
	case UserTypeUnknown, UserTypeCandidate, UserTypeCompany, UserTypeOther:
		return true
	default:
		return false
	}
}

// ConversationStatus is the durable lifecycle state of a conversation.
type ConversationStatus string

const (
	// StatusActive means the bot owns the conversation.
	StatusActive ConversationStatus = "active"
	// StatusManualControl means a human agent owns the conversation.
	StatusManualControl ConversationStatus = "manual_control"
	// StatusFinalized is terminal; a later inbound message starts a fresh conversation.
	StatusFinalized ConversationStatus = "finalized"
)

// MessageSender identifies who wrote a message.
type MessageSender string

const (
	// SenderUser is the counterpart behind the phone number.
	SenderUser MessageSender = "user"
	// SenderAgent is the bot or a human agent.
	SenderAgent MessageSender = "agent"
)

// Error variables shared across modules for better error handling and testability.
var (
	ErrEmptyPhoneNumber       = errors.New("phone number cannot be empty")
	ErrEmptyAgentID           = errors.New("agent id cannot be empty")
	ErrConversationNotFound   = errors.New("no active conversation for phone number")
	ErrNotUnderManualControl  = errors.New("conversation is not under manual control")
	ErrConversationFinalized  = errors.New("conversation is already finalized")
	ErrEmptyMessageBody       = errors.New("message body cannot be empty")
	ErrInvalidUserType        = errors.New("invalid user type")
	ErrInvalidNotificationTyp = errors.New("invalid notification type")
)

// Conversation is one logical thread per phone number. At most one
// non-finalized row exists per phone number at any time; finalization is
// terminal and a later message creates a brand-new row with a new ID.
type Conversation struct {
	ID                   string             `json:"id"`
	PhoneNumber          string             `json:"phone_number"`
	UserType             UserType           `json:"user_type"`
	Status               ConversationStatus `json:"status"`
	IsFirstMessage       bool               `json:"is_first_message"`
	AgentID              string             `json:"agent_id,omitempty"`
	ManualControlTakenAt *time.Time         `json:"manual_control_taken_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	FinalizedAt          *time.Time         `json:"finalized_at,omitempty"`
}

// Message is an append-only record belonging to a conversation. Never
// mutated after insert.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Body           string        `json:"body"`
	Sender         MessageSender `json:"sender"`
	Timestamp      time.Time     `json:"timestamp"`
}

// InboundMessage is a transport-agnostic inbound chat event.
type InboundMessage struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	HasMedia  bool   `json:"has_media"`
	MediaType string `json:"media_type,omitempty"`
	Time      int64  `json:"time"`
}

// ManualControlInfo describes an active manual-control hold.
type ManualControlInfo struct {
	AgentID string    `json:"agent_id"`
	TakenAt time.Time `json:"taken_at"`
}

// NotificationType categorizes dashboard notifications.
type NotificationType string

const (
	NotificationTypeCompany   NotificationType = "company"
	NotificationTypeCandidate NotificationType = "candidate"
	NotificationTypeOther     NotificationType = "other"
	NotificationTypeSystem    NotificationType = "system"
)

// IsValidNotificationType checks if the given notification type is supported.
func IsValidNotificationType(nt NotificationType) bool {
	switch nt {
	case NotificationTypeCompany, NotificationTypeCandidate, NotificationTypeOther, NotificationTypeSystem:
		return true
	default:
		return false
	}
}

// Notification is a dashboard event produced by the lifecycle (company
// detected, attendant requested) for human agents to act on.
type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	PhoneNumber string           `json:"phone_number"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	IsRead      bool             `json:"is_read"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ActiveConversationInfo is one entry of the active-conversations stats.
type ActiveConversationInfo struct {
	PhoneNumber   string `json:"phone_number"`
	LastActivity  string `json:"last_activity"`
	TimeRemaining int64  `json:"time_remaining_seconds"`
}

// ManualControlConversationInfo is one entry of the manual-control stats.
type ManualControlConversationInfo struct {
	PhoneNumber string    `json:"phone_number"`
	AgentID     string    `json:"agent_id"`
	TakenAt     time.Time `json:"taken_at"`
}

// ManualControlStats aggregates held conversations.
type ManualControlStats struct {
	Total         int                             `json:"total"`
	Conversations []ManualControlConversationInfo `json:"conversations"`
}

// ActiveConversationsStats is the payload of the stats endpoint.
type ActiveConversationsStats struct {
	Total         int                      `json:"total"`
	Conversations []ActiveConversationInfo `json:"conversations"`
	ManualControl ManualControlStats       `json:"manual_control"`
}

// ControlRequest is the body of the manual-control management endpoints.
type ControlRequest struct {
	PhoneNumber string `json:"phone_number"`
	AgentID     string `json:"agent_id"`
}

// Validate checks a ControlRequest for required fields.
func (r *ControlRequest) Validate() error {
	if r.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	if r.AgentID == "" {
		return ErrEmptyAgentID
	}
	return nil
}

// ControlStatus is the response of the control-status endpoint.
type ControlStatus struct {
	IsManualControl bool       `json:"is_manual_control"`
	AgentID         string     `json:"agent_id,omitempty"`
	TakenAt         *time.Time `json:"taken_at,omitempty"`
}

// SendRequest is the body of the immediate-send endpoint.
type SendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
	Cron string `json:"cron,omitempty"`
}

// Validate checks a SendRequest for required fields.
func (r *SendRequest) Validate() error {
	if r.To == "" {
		return ErrEmptyPhoneNumber
	}
	if r.Body == "" {
		return ErrEmptyMessageBody
	}
	return nil
}

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	APIStatusOK        APIStatus = "ok"
	APIStatusError     APIStatus = "error"
	APIStatusScheduled APIStatus = "scheduled"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Scheduled creates a scheduled API response with a message.
func Scheduled(message string) APIResponse {
	return APIResponse{Status: string(APIStatusScheduled), Message: message}
}
