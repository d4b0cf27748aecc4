// Package api provides HTTP handlers for the Evolux RH agent management endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/evoluxrh/rhagent/internal/models"
)

// DefaultHistoryLimit caps conversation-history responses when no limit
// is given.
const DefaultHistoryLimit = 50

// DefaultNotificationLimit caps notification listings when no limit is given.
const DefaultNotificationLimit = 100

func (s *Server) controlHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodPost:
		s.takeControl(w, r)
	case http.MethodGet:
		s.controlStatus(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.controlHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) takeControl(w http.ResponseWriter, r *http.Request) {
	var req models.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.takeControl: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.takeControl: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.PhoneNumber)
	if err != nil {
		slog.Warn("Server.takeControl: recipient validation failed", "error", err, "original", req.PhoneNumber)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	info, err := s.manager.TakeControl(r.Context(), canonical, req.AgentID)
	if err != nil {
		slog.Error("Server.takeControl: failed to take control", "error", err, "phone", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to take manual control"))
		return
	}

	slog.Info("Server.takeControl: manual control taken", "phone", canonical, "agentID", req.AgentID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Manual control taken", info))
}

func (s *Server) controlStatus(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone_number")
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: phone_number"))
		return
	}
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	status := s.manager.ControlStatus(canonical)
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

func (s *Server) releaseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.releaseHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.releaseHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.PhoneNumber)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	releasedAt, err := s.manager.ReleaseControl(r.Context(), canonical, req.AgentID)
	if err != nil {
		if errors.Is(err, models.ErrNotUnderManualControl) {
			slog.Warn("Server.releaseHandler: conversation not under manual control", "phone", canonical)
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		slog.Error("Server.releaseHandler: failed to release control", "error", err, "phone", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to release manual control"))
		return
	}

	slog.Info("Server.releaseHandler: manual control released", "phone", canonical, "agentID", req.AgentID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Manual control released", map[string]interface{}{
		"released_at": releasedAt.UTC().Format(time.RFC3339),
	}))
}

func (s *Server) finalizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.finalizeHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.finalizeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.PhoneNumber)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	finalMessage, finalizedAt, err := s.manager.ReleaseControlAndFinalize(r.Context(), canonical, req.AgentID)
	if err != nil {
		if errors.Is(err, models.ErrNotUnderManualControl) {
			slog.Warn("Server.finalizeHandler: conversation not under manual control", "phone", canonical)
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
		slog.Error("Server.finalizeHandler: failed to finalize", "error", err, "phone", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to finalize conversation"))
		return
	}

	slog.Info("Server.finalizeHandler: conversation finalized", "phone", canonical, "agentID", req.AgentID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation finalized", map[string]interface{}{
		"final_message": finalMessage,
		"finalized_at":  finalizedAt.UTC().Format(time.RFC3339),
	}))
}

func (s *Server) firstMessageHandledHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.firstMessageHandledHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PhoneNumber == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyPhoneNumber.Error()))
		return
	}
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.PhoneNumber)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	handled, err := s.manager.MarkFirstMessageHandled(r.Context(), canonical)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
			return
		}
		slog.Error("Server.firstMessageHandledHandler: failed to mark handled", "error", err, "phone", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to mark first message handled"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{"handled": handled}))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats := s.manager.Stats()
	slog.Debug("Server.statsHandler: stats computed", "active", stats.Total, "manualControl", stats.ManualControl.Total)
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := models.ConversationStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusActive
	}
	convs, err := s.st.ListByStatus(status)
	if err != nil {
		slog.Error("Server.listConversationsHandler: failed to list conversations", "error", err, "status", status)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list conversations"))
		return
	}
	slog.Debug("Server.listConversationsHandler: conversations fetched", "status", status, "count", len(convs))
	writeJSONResponse(w, http.StatusOK, models.Success(convs))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	phone := r.URL.Query().Get("phone_number")
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: phone_number"))
		return
	}
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	limit := queryLimit(r, DefaultHistoryLimit)

	conv, err := s.st.GetActiveConversation(canonical)
	if err != nil {
		slog.Error("Server.historyHandler: failed to load conversation", "error", err, "phone", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(models.ErrConversationNotFound.Error()))
		return
	}

	history, err := s.st.GetHistory(conv.ID, limit)
	if err != nil {
		slog.Error("Server.historyHandler: failed to load history", "error", err, "conversationID", conv.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load history"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"conversation": conv,
		"messages":     history,
	}))
}

func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	typ := models.NotificationType(r.URL.Query().Get("type"))
	if typ != "" && !models.IsValidNotificationType(typ) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidNotificationTyp.Error()))
		return
	}
	limit := queryLimit(r, DefaultNotificationLimit)

	notifications, err := s.st.ListNotifications(typ, limit)
	if err != nil {
		slog.Error("Server.notificationsHandler: failed to list notifications", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list notifications"))
		return
	}
	slog.Debug("Server.notificationsHandler: notifications fetched", "count", len(notifications))
	writeJSONResponse(w, http.StatusOK, models.Success(notifications))
}

func (s *Server) markNotificationReadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: id"))
		return
	}
	if err := s.st.MarkNotificationRead(req.ID); err != nil {
		slog.Error("Server.markNotificationReadHandler: failed to mark read", "error", err, "id", req.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to mark notification read"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Notification marked read", nil))
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sendHandler: processing send request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sendHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.sendHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		slog.Warn("Server.sendHandler: recipient validation failed", "error", err, "original_to", req.To)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.msgService.SendMessage(r.Context(), canonical, req.Body); err != nil {
		slog.Error("Server.sendHandler: failed to send message", "error", err, "to", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
		return
	}

	slog.Info("Server.sendHandler: message sent successfully", "to", canonical)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent successfully", nil))
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.scheduleHandler: processing schedule request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.scheduleHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.scheduleHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if req.Cron == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: cron"))
		return
	}
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	// Capture locally for the closure.
	job := req
	job.To = canonical
	if err := s.cron.AddJob(req.Cron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if sendErr := s.msgService.SendMessage(ctx, job.To, job.Body); sendErr != nil {
			slog.Error("Server.scheduleHandler: failed to send scheduled message", "error", sendErr, "to", job.To)
		}
	}); err != nil {
		slog.Warn("Server.scheduleHandler: failed to schedule job", "error", err, "cron", req.Cron)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid cron expression"))
		return
	}

	slog.Info("Server.scheduleHandler: job scheduled successfully", "to", canonical, "cron", req.Cron)
	writeJSONResponse(w, http.StatusCreated, models.Scheduled("Scheduled successfully"))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	// Storage reachability is the health indicator.
	if _, err := s.st.ListByStatus(models.StatusActive); err != nil {
		slog.Warn("Health check: store unreachable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach conversation store"
	} else {
		stats := s.manager.Stats()
		healthData["active_conversations"] = stats.Total
		healthData["manual_control_conversations"] = stats.ManualControl.Total
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
