package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evoluxrh/rhagent/internal/classify"
	"github.com/evoluxrh/rhagent/internal/genai"
	"github.com/evoluxrh/rhagent/internal/models"
	"github.com/evoluxrh/rhagent/internal/store"
)

// Sender sends an outbound message to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Opts holds configuration for the conversation lifecycle.
type Opts struct {
	// Timeout is the inactivity window before the first timer fires.
	Timeout time.Duration
	// FollowUpTimeout is the extended window after a follow-up message.
	FollowUpTimeout time.Duration
	// HistoryLimit caps the messages fed to the response generator.
	HistoryLimit int
}

// Option configures the lifecycle.
type Option func(*Opts)

// WithTimeout sets the initial inactivity window.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithFollowUpTimeout sets the extended inactivity window.
func WithFollowUpTimeout(d time.Duration) Option {
	return func(o *Opts) { o.FollowUpTimeout = d }
}

// WithHistoryLimit sets how many stored messages are fed to the generator.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

const defaultHistoryLimit = 10

// Lifecycle drives the per-phone-number conversation state machine. All
// mutations for one phone number happen under that number's lock: inbound
// messages, management calls, and timer callbacks all serialize through it.
type Lifecycle struct {
	store     store.Store
	registry  *Registry
	scheduler *Scheduler
	generator genai.Generator
	sender    Sender

	historyLimit int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLifecycle creates a lifecycle over the given storage, generator and
// outbound sender.
func NewLifecycle(st store.Store, generator genai.Generator, sender Sender, opts ...Option) *Lifecycle {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	l := &Lifecycle{
		store:        st,
		registry:     NewRegistry(),
		generator:    generator,
		sender:       sender,
		historyLimit: cfg.HistoryLimit,
		locks:        make(map[string]*sync.Mutex),
	}
	l.scheduler = NewScheduler(cfg.Timeout, cfg.FollowUpTimeout, l.handleTimeout)
	slog.Debug("Lifecycle created", "historyLimit", cfg.HistoryLimit)
	return l
}

// phoneLock returns the mutex guarding one phone number's state.
func (l *Lifecycle) phoneLock(phoneNumber string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, exists := l.locks[phoneNumber]
	if !exists {
		lock = &sync.Mutex{}
		l.locks[phoneNumber] = lock
	}
	return lock
}

// send delivers an outbound notice. Transport failures are logged and do not
// roll back the state transition that triggered them.
func (l *Lifecycle) send(ctx context.Context, to, body string) {
	if err := l.sender.SendMessage(ctx, to, body); err != nil {
		slog.Error("Lifecycle failed to send message", "error", err, "to", to)
	}
}

// HandleInbound processes one inbound message for a phone number. The guard
// chain runs in a fixed order; an attendant request must never be swallowed
// by a generated reply.
func (l *Lifecycle) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	if msg.From == "" {
		return models.ErrEmptyPhoneNumber
	}
	lock := l.phoneLock(msg.From)
	lock.Lock()
	defer lock.Unlock()

	conv, err := l.store.GetActiveConversation(msg.From)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		id, err := l.store.CreateConversation(msg.From, classify.DetectUserType(msg.Body))
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		conv, err = l.store.GetActiveConversation(msg.From)
		if err != nil || conv == nil {
			return fmt.Errorf("failed to reload conversation %s: %w", id, err)
		}
		slog.Info("Lifecycle created conversation", "phone", msg.From, "id", id, "userType", conv.UserType)
	}

	if _, err := l.store.AppendMessage(conv.ID, msg.Body, models.SenderUser); err != nil {
		return fmt.Errorf("failed to persist inbound message: %w", err)
	}

	// Guard 1: attachments and links are intercepted before anything else.
	hasMedia := msg.HasMedia || classify.IsMediaType(msg.MediaType)
	hasLink := classify.ContainsLink(msg.Body)
	if hasMedia || hasLink {
		slog.Info("Lifecycle intercepted attachment/link", "phone", msg.From, "hasMedia", hasMedia, "hasLink", hasLink)
		l.send(ctx, msg.From, genai.AttachmentGuidance(hasMedia, hasLink))
		l.scheduler.Touch(msg.From)
		return nil
	}

	// Guard 2: under manual control the bot stays silent; the message was
	// already persisted and no timer runs.
	if l.registry.IsHeld(msg.From) || conv.Status == models.StatusManualControl {
		slog.Debug("Lifecycle suppressing reply under manual control", "phone", msg.From)
		return nil
	}

	// Guard 3: the first message of a conversation gets the fixed notice and
	// never reaches the generator.
	if conv.IsFirstMessage {
		slog.Info("Lifecycle first message, awaiting pickup", "phone", msg.From)
		l.send(ctx, msg.From, genai.FirstMessageNotice())
		l.scheduler.Touch(msg.From)
		return nil
	}

	// Guard 4: explicit goodbye finalizes, except for candidates mid-flow.
	if classify.WantsToEndConversation(msg.Body) {
		count, err := l.store.CountMessages(conv.ID)
		if err != nil {
			return fmt.Errorf("failed to count messages: %w", err)
		}
		if !(conv.UserType == models.UserTypeCandidate && count > 2) {
			slog.Info("Lifecycle finalizing on user request", "phone", msg.From)
			l.send(ctx, msg.From, genai.GoodbyeMessage())
			return l.finalizeLocked(msg.From)
		}
	}

	// Guard 5: attendant requests notify the dashboard and send the fixed
	// transfer notice.
	if classify.WantsToTalkToAttendant(msg.Body) {
		slog.Info("Lifecycle attendant requested", "phone", msg.From)
		if _, err := l.store.CreateNotification(models.Notification{
			Type:        models.NotificationTypeSystem,
			PhoneNumber: msg.From,
			Title:       "🙋 Atendimento Humano Solicitado",
			Body:        fmt.Sprintf("Contato %s pediu para falar com um atendente: %q", msg.From, msg.Body),
		}); err != nil {
			slog.Error("Lifecycle failed to create attendant notification", "error", err, "phone", msg.From)
		}
		l.send(ctx, msg.From, genai.AttendantTransferNotice())
		l.scheduler.Touch(msg.From)
		return nil
	}

	// Guard 6: out-of-scope requests get the fixed refusal.
	if classify.IsOutOfScope(msg.Body) {
		slog.Info("Lifecycle message out of scope", "phone", msg.From)
		l.send(ctx, msg.From, genai.OutOfScopeNotice())
		l.scheduler.Touch(msg.From)
		return nil
	}

	// Classify if still unknown; detecting a company raises a dashboard
	// notification.
	if conv.UserType == models.UserTypeUnknown {
		if detected := classify.DetectUserType(msg.Body); detected != models.UserTypeUnknown {
			if err := l.store.UpdateUserType(conv.ID, detected); err != nil {
				return fmt.Errorf("failed to update user type: %w", err)
			}
			conv.UserType = detected
			slog.Info("Lifecycle classified conversation", "phone", msg.From, "userType", detected)
			if detected == models.UserTypeCompany {
				if _, err := l.store.CreateNotification(models.Notification{
					Type:        models.NotificationTypeCompany,
					PhoneNumber: msg.From,
					Title:       "🏢 Nova Empresa Interessada",
					Body:        fmt.Sprintf("Empresa %s entrou em contato para contratar serviços: %q", msg.From, msg.Body),
				}); err != nil {
					slog.Error("Lifecycle failed to create company notification", "error", err, "phone", msg.From)
				}
			}
		}
	}

	l.scheduler.Touch(msg.From)

	history, err := l.store.GetHistory(conv.ID, l.historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	reply, err := l.generator.Generate(ctx, msg.Body, history, conv.UserType)
	if err != nil {
		return fmt.Errorf("failed to generate reply: %w", err)
	}
	l.send(ctx, msg.From, reply)
	if _, err := l.store.AppendMessage(conv.ID, reply, models.SenderAgent); err != nil {
		return fmt.Errorf("failed to persist reply: %w", err)
	}
	return nil
}

// finalizeLocked finalizes a conversation. Storage is written first; the
// in-memory registry and scheduler entries are only dropped after storage
// confirms. Callers must hold the phone lock.
func (l *Lifecycle) finalizeLocked(phoneNumber string) error {
	if err := l.store.Finalize(phoneNumber); err != nil {
		return fmt.Errorf("failed to finalize conversation: %w", err)
	}
	l.registry.Release(phoneNumber)
	l.scheduler.Cancel(phoneNumber)
	slog.Info("Lifecycle finalized conversation", "phone", phoneNumber)
	return nil
}

// handleTimeout runs when an inactivity timer fires. Companies and general
// inquiries get one follow-up message with an extended window before
// finalization; candidates finalize directly.
func (l *Lifecycle) handleTimeout(phoneNumber string, phase TimerPhase, generation uint64) {
	lock := l.phoneLock(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	// An inbound handler may have held the phone lock while this timer
	// expired and re-armed it via Touch. Confirm the generation under the
	// lock; a superseded expiry must not act.
	if !l.scheduler.ConfirmExpiry(phoneNumber, generation) {
		slog.Debug("Lifecycle timeout superseded by activity", "phone", phoneNumber, "generation", generation)
		return
	}

	ctx := context.Background()
	conv, err := l.store.GetActiveConversation(phoneNumber)
	if err != nil {
		slog.Error("Lifecycle timeout failed to load conversation", "error", err, "phone", phoneNumber)
		return
	}
	if conv == nil || conv.Status != models.StatusActive || l.registry.IsHeld(phoneNumber) {
		slog.Debug("Lifecycle timeout ignored, conversation no longer eligible", "phone", phoneNumber)
		return
	}

	if phase == PhaseInitial && (conv.UserType == models.UserTypeCompany || conv.UserType == models.UserTypeOther) {
		slog.Info("Lifecycle sending inactivity follow-up", "phone", phoneNumber, "userType", conv.UserType)
		followUp := genai.FollowUpMessage()
		l.send(ctx, phoneNumber, followUp)
		if _, err := l.store.AppendMessage(conv.ID, followUp, models.SenderAgent); err != nil {
			slog.Error("Lifecycle failed to persist follow-up", "error", err, "phone", phoneNumber)
		}
		l.scheduler.ScheduleFollowUp(phoneNumber)
		return
	}

	slog.Info("Lifecycle finalizing for inactivity", "phone", phoneNumber, "phase", phase)
	l.send(ctx, phoneNumber, genai.TimeoutMessage())
	if err := l.finalizeLocked(phoneNumber); err != nil {
		slog.Error("Lifecycle timeout finalization failed", "error", err, "phone", phoneNumber)
	}
}

// TakeControl puts a phone number under manual control by agentID. The bot
// goes silent and the inactivity timer is cancelled. A send failure is
// returned to the caller but control is already held.
func (l *Lifecycle) TakeControl(ctx context.Context, phoneNumber, agentID string) (models.ManualControlInfo, error) {
	if phoneNumber == "" {
		return models.ManualControlInfo{}, models.ErrEmptyPhoneNumber
	}
	if agentID == "" {
		return models.ManualControlInfo{}, models.ErrEmptyAgentID
	}
	lock := l.phoneLock(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	conv, err := l.store.GetActiveConversation(phoneNumber)
	if err != nil {
		return models.ManualControlInfo{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		if _, err := l.store.CreateConversation(phoneNumber, models.UserTypeUnknown); err != nil {
			return models.ManualControlInfo{}, fmt.Errorf("failed to create conversation: %w", err)
		}
		slog.Info("Lifecycle created conversation for manual control", "phone", phoneNumber, "agentID", agentID)
	}

	if err := l.store.SetManualControl(phoneNumber, agentID); err != nil {
		return models.ManualControlInfo{}, fmt.Errorf("failed to persist manual control: %w", err)
	}
	info := l.registry.Acquire(phoneNumber, agentID)
	l.scheduler.Cancel(phoneNumber)
	slog.Info("Lifecycle manual control taken", "phone", phoneNumber, "agentID", agentID)

	if err := l.sender.SendMessage(ctx, phoneNumber, genai.AgentJoinedMessage(agentID)); err != nil {
		slog.Error("Lifecycle failed to send control notice", "error", err, "phone", phoneNumber)
		return info, err
	}
	return info, nil
}

// ReleaseControl releases manual control and lets the bot resume on the next
// inbound message. The scripted flow is not restarted automatically.
func (l *Lifecycle) ReleaseControl(ctx context.Context, phoneNumber, agentID string) (time.Time, error) {
	if phoneNumber == "" {
		return time.Time{}, models.ErrEmptyPhoneNumber
	}
	lock := l.phoneLock(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	if !l.registry.IsHeld(phoneNumber) {
		return time.Time{}, models.ErrNotUnderManualControl
	}
	if err := l.store.SetManualControl(phoneNumber, ""); err != nil {
		return time.Time{}, fmt.Errorf("failed to persist control release: %w", err)
	}
	prev, _ := l.registry.Release(phoneNumber)
	releasedAt := time.Now()
	slog.Info("Lifecycle manual control released", "phone", phoneNumber, "agentID", agentID, "previousAgent", prev.AgentID)

	if err := l.sender.SendMessage(ctx, phoneNumber, genai.AgentLeftMessage()); err != nil {
		slog.Error("Lifecycle failed to send release notice", "error", err, "phone", phoneNumber)
		return releasedAt, err
	}
	return releasedAt, nil
}

// ReleaseControlAndFinalize releases manual control and finalizes the
// conversation in one step, sending the agent's goodbye.
func (l *Lifecycle) ReleaseControlAndFinalize(ctx context.Context, phoneNumber, agentID string) (string, time.Time, error) {
	if phoneNumber == "" {
		return "", time.Time{}, models.ErrEmptyPhoneNumber
	}
	lock := l.phoneLock(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	if !l.registry.IsHeld(phoneNumber) {
		return "", time.Time{}, models.ErrNotUnderManualControl
	}
	finalMessage := genai.AgentFinalizedMessage(agentID)
	if conv, err := l.store.GetActiveConversation(phoneNumber); err == nil && conv != nil {
		if _, err := l.store.AppendMessage(conv.ID, finalMessage, models.SenderAgent); err != nil {
			slog.Error("Lifecycle failed to persist final message", "error", err, "phone", phoneNumber)
		}
	}
	if err := l.finalizeLocked(phoneNumber); err != nil {
		return "", time.Time{}, err
	}
	finalizedAt := time.Now()
	slog.Info("Lifecycle manual control finalized", "phone", phoneNumber, "agentID", agentID)

	if err := l.sender.SendMessage(ctx, phoneNumber, finalMessage); err != nil {
		slog.Error("Lifecycle failed to send final notice", "error", err, "phone", phoneNumber)
		return finalMessage, finalizedAt, err
	}
	return finalMessage, finalizedAt, nil
}

// MarkFirstMessageHandled clears the first-message gate so the next inbound
// message reaches the generator.
func (l *Lifecycle) MarkFirstMessageHandled(ctx context.Context, phoneNumber string) (bool, error) {
	if phoneNumber == "" {
		return false, models.ErrEmptyPhoneNumber
	}
	lock := l.phoneLock(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	conv, err := l.store.GetActiveConversation(phoneNumber)
	if err != nil {
		return false, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return false, models.ErrConversationNotFound
	}
	if err := l.store.MarkFirstMessageHandled(phoneNumber); err != nil {
		return false, fmt.Errorf("failed to mark first message handled: %w", err)
	}
	slog.Info("Lifecycle first message marked handled", "phone", phoneNumber)
	return true, nil
}

// ControlStatus reports whether a phone number is under manual control.
func (l *Lifecycle) ControlStatus(phoneNumber string) models.ControlStatus {
	info, held := l.registry.Get(phoneNumber)
	if !held {
		return models.ControlStatus{}
	}
	takenAt := info.TakenAt
	return models.ControlStatus{IsManualControl: true, AgentID: info.AgentID, TakenAt: &takenAt}
}

// Stats aggregates the active timers and held conversations.
func (l *Lifecycle) Stats() models.ActiveConversationsStats {
	active := l.scheduler.Snapshot()
	held := l.registry.Snapshot()

	manual := models.ManualControlStats{Conversations: make([]models.ManualControlConversationInfo, 0, len(held))}
	for phone, info := range held {
		manual.Conversations = append(manual.Conversations, models.ManualControlConversationInfo{
			PhoneNumber: phone,
			AgentID:     info.AgentID,
			TakenAt:     info.TakenAt,
		})
	}
	manual.Total = len(manual.Conversations)

	return models.ActiveConversationsStats{
		Total:         len(active),
		Conversations: active,
		ManualControl: manual,
	}
}

// RestoreManualControl repopulates a registry entry from storage. Used
// during startup reconciliation; it arms no timer.
func (l *Lifecycle) RestoreManualControl(phoneNumber, agentID string, takenAt time.Time) {
	lock := l.phoneLock(phoneNumber)
	lock.Lock()
	defer lock.Unlock()
	l.registry.Restore(phoneNumber, agentID, takenAt)
}

// ReArmTimer re-arms the inactivity timer for an active conversation from
// its last activity timestamp. Used during startup reconciliation;
// conversations already past the window time out almost immediately.
func (l *Lifecycle) ReArmTimer(phoneNumber string, lastActivity time.Time) {
	lock := l.phoneLock(phoneNumber)
	lock.Lock()
	defer lock.Unlock()
	if l.registry.IsHeld(phoneNumber) {
		return
	}
	l.scheduler.TouchAt(phoneNumber, lastActivity)
}

// SweepStale finalizes active conversations idle beyond maxIdle that have
// no live inactivity timer. The timer path is the normal way conversations
// time out; the sweep is a safety net for rows whose timers were lost.
// Returns the number of conversations finalized.
func (l *Lifecycle) SweepStale(ctx context.Context, maxIdle time.Duration) (int, error) {
	convs, err := l.store.ListByStatus(models.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active conversations: %w", err)
	}

	swept := 0
	cutoff := time.Now().Add(-maxIdle)
	for _, conv := range convs {
		if conv.UpdatedAt.After(cutoff) || l.scheduler.Has(conv.PhoneNumber) {
			continue
		}
		if l.sweepOne(ctx, conv.PhoneNumber, cutoff) {
			swept++
		}
	}
	if swept > 0 {
		slog.Info("Lifecycle stale sweep finalized conversations", "count", swept)
	}
	return swept, nil
}

func (l *Lifecycle) sweepOne(ctx context.Context, phoneNumber string, cutoff time.Time) bool {
	lock := l.phoneLock(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	conv, err := l.store.GetActiveConversation(phoneNumber)
	if err != nil {
		slog.Error("Lifecycle sweep failed to load conversation", "error", err, "phone", phoneNumber)
		return false
	}
	// Re-check under the lock: the conversation may have seen activity or
	// gained a timer between the list and now.
	if conv == nil || conv.Status != models.StatusActive || conv.UpdatedAt.After(cutoff) ||
		l.scheduler.Has(phoneNumber) || l.registry.IsHeld(phoneNumber) {
		return false
	}

	slog.Info("Lifecycle finalizing stale conversation", "phone", phoneNumber, "idleSince", conv.UpdatedAt)
	l.send(ctx, phoneNumber, genai.TimeoutMessage())
	if err := l.finalizeLocked(phoneNumber); err != nil {
		slog.Error("Lifecycle sweep finalization failed", "error", err, "phone", phoneNumber)
		return false
	}
	return true
}

// Shutdown cancels all timers. Conversations stay as stored; timers are
// re-armed on the next startup.
func (l *Lifecycle) Shutdown() {
	slog.Info("Lifecycle shutting down", "activeTimers", len(l.scheduler.Snapshot()))
	l.scheduler.StopAll()
}
