package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evoluxrh/rhagent/internal/models"
)

// memStore is an in-memory store.Store used by the lifecycle tests.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation // keyed by conversation ID
	messages      map[string][]models.Message
	notifications []models.Notification
	nextID        int

	failSetManualControl bool
	appendDelay          time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

func (m *memStore) CreateConversation(phoneNumber string, userType models.UserType) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !models.IsValidUserType(userType) {
		userType = models.UserTypeUnknown
	}
	m.nextID++
	id := fmt.Sprintf("c_%d", m.nextID)
	now := time.Now()
	m.conversations[id] = &models.Conversation{
		ID:             id,
		PhoneNumber:    phoneNumber,
		UserType:       userType,
		Status:         models.StatusActive,
		IsFirstMessage: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return id, nil
}

func (m *memStore) activeLocked(phoneNumber string) *models.Conversation {
	var latest *models.Conversation
	for _, c := range m.conversations {
		if c.PhoneNumber == phoneNumber && c.Status != models.StatusFinalized {
			if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
				latest = c
			}
		}
	}
	return latest
}

func (m *memStore) GetActiveConversation(phoneNumber string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.activeLocked(phoneNumber)
	if c == nil {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) UpdateUserType(conversationID string, userType models.UserType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userType == models.UserTypeUnknown {
		return nil
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return models.ErrConversationNotFound
	}
	c.UserType = userType
	return nil
}

func (m *memStore) SetManualControl(phoneNumber, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSetManualControl {
		return errors.New("storage unavailable")
	}
	c := m.activeLocked(phoneNumber)
	if c == nil {
		return models.ErrConversationNotFound
	}
	if agentID != "" {
		now := time.Now()
		c.Status = models.StatusManualControl
		c.AgentID = agentID
		c.ManualControlTakenAt = &now
	} else {
		c.Status = models.StatusActive
		c.AgentID = ""
		c.ManualControlTakenAt = nil
	}
	return nil
}

func (m *memStore) MarkFirstMessageHandled(phoneNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.activeLocked(phoneNumber); c != nil {
		c.IsFirstMessage = false
	}
	return nil
}

func (m *memStore) Finalize(phoneNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.activeLocked(phoneNumber); c != nil {
		now := time.Now()
		c.Status = models.StatusFinalized
		c.FinalizedAt = &now
		c.AgentID = ""
		c.ManualControlTakenAt = nil
	}
	return nil
}

func (m *memStore) AppendMessage(conversationID, body string, sender models.MessageSender) (string, error) {
	if m.appendDelay > 0 {
		time.Sleep(m.appendDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("m_%d", m.nextID)
	now := time.Now()
	m.messages[conversationID] = append(m.messages[conversationID], models.Message{
		ID:             id,
		ConversationID: conversationID,
		Body:           body,
		Sender:         sender,
		Timestamp:      now,
	})
	if c, ok := m.conversations[conversationID]; ok {
		c.UpdatedAt = now
	}
	return id, nil
}

func (m *memStore) GetHistory(conversationID string, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *memStore) CountMessages(conversationID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[conversationID]), nil
}

func (m *memStore) ListByStatus(status models.ConversationStatus) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Conversation
	for _, c := range m.conversations {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) CreateNotification(n models.Notification) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	n.ID = fmt.Sprintf("n_%d", m.nextID)
	n.CreatedAt = time.Now()
	m.notifications = append(m.notifications, n)
	return n.ID, nil
}

func (m *memStore) ListNotifications(typ models.NotificationType, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if typ == "" || n.Type == typ {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) MarkNotificationRead(id string) error { return nil }

func (m *memStore) Close() error { return nil }

// mockSender records outbound messages.
type mockSender struct {
	mu    sync.Mutex
	sent  []string // bodies, in order
	to    []string
	fail  bool
}

func (s *mockSender) SendMessage(ctx context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("transport failure")
	}
	s.to = append(s.to, to)
	s.sent = append(s.sent, body)
	return nil
}

func (s *mockSender) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// mockGenerator records Generate calls and returns a fixed reply.
type mockGenerator struct {
	mu    sync.Mutex
	calls int
	types []models.UserType
	reply string
	err   error
}

func (g *mockGenerator) Generate(ctx context.Context, text string, history []models.Message, userType models.UserType) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.types = append(g.types, userType)
	if g.err != nil {
		return "", g.err
	}
	if g.reply == "" {
		return "resposta gerada", nil
	}
	return g.reply, nil
}

func (g *mockGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestLifecycle(t *testing.T, opts ...Option) (*Lifecycle, *memStore, *mockSender, *mockGenerator) {
	t.Helper()
	st := newMemStore()
	sender := &mockSender{}
	gen := &mockGenerator{}
	l := NewLifecycle(st, gen, sender, opts...)
	t.Cleanup(l.Shutdown)
	return l, st, sender, gen
}

func inbound(phone, body string) models.InboundMessage {
	return models.InboundMessage{From: phone, Body: body, Time: time.Now().Unix()}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFirstMessageGating(t *testing.T) {
	l, st, sender, gen := newTestLifecycle(t)
	const phone = "5511999990000"

	if err := l.HandleInbound(context.Background(), inbound(phone, "Olá")); err != nil {
		t.Fatalf("HandleInbound() error: %v", err)
	}

	if gen.callCount() != 0 {
		t.Error("first message must never reach the generator")
	}
	bodies := sender.bodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "Nova Mensagem Recebida") {
		t.Errorf("expected awaiting-pickup notice, got %v", bodies)
	}
	conv, _ := st.GetActiveConversation(phone)
	if conv == nil || !conv.IsFirstMessage {
		t.Error("conversation should exist with IsFirstMessage = true")
	}
	if !l.scheduler.Has(phone) {
		t.Error("inactivity timer should be armed after first message")
	}
}

func TestScenarioA_FirstContactThenClassification(t *testing.T) {
	l, st, _, gen := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	if err := l.HandleInbound(ctx, inbound(phone, "Olá")); err != nil {
		t.Fatalf("HandleInbound() error: %v", err)
	}
	handled, err := l.MarkFirstMessageHandled(ctx, phone)
	if err != nil || !handled {
		t.Fatalf("MarkFirstMessageHandled() = %v, %v", handled, err)
	}
	conv, _ := st.GetActiveConversation(phone)
	if conv.IsFirstMessage {
		t.Error("IsFirstMessage should be false after marking handled")
	}
	if conv.Status != models.StatusActive {
		t.Errorf("status = %q, want active", conv.Status)
	}

	if err := l.HandleInbound(ctx, inbound(phone, "Quero saber sobre vagas de TI")); err != nil {
		t.Fatalf("HandleInbound() error: %v", err)
	}
	if gen.callCount() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.callCount())
	}
	conv, _ = st.GetActiveConversation(phone)
	if conv.UserType != models.UserTypeCandidate {
		t.Errorf("user type = %q, want candidate", conv.UserType)
	}
}

func TestScenarioB_ManualControl(t *testing.T) {
	l, st, sender, gen := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.MarkFirstMessageHandled(ctx, phone)

	info, err := l.TakeControl(ctx, phone, "maria")
	if err != nil {
		t.Fatalf("TakeControl() error: %v", err)
	}
	if info.AgentID != "maria" {
		t.Errorf("agent ID = %q, want maria", info.AgentID)
	}
	conv, _ := st.GetActiveConversation(phone)
	if conv.Status != models.StatusManualControl {
		t.Errorf("status = %q, want manual_control", conv.Status)
	}
	if !l.registry.IsHeld(phone) {
		t.Error("registry should hold the phone number")
	}
	if l.scheduler.Has(phone) {
		t.Error("no timer may run under manual control")
	}

	// Inbound while held: persist only, no bot traffic.
	sentBefore := len(sender.bodies())
	genBefore := gen.callCount()
	if err := l.HandleInbound(ctx, inbound(phone, "oi")); err != nil {
		t.Fatalf("HandleInbound() error: %v", err)
	}
	if gen.callCount() != genBefore {
		t.Error("generator must not run under manual control")
	}
	if len(sender.bodies()) != sentBefore {
		t.Error("bot must not send under manual control")
	}
	count, _ := st.CountMessages(conv.ID)
	if count < 2 {
		t.Errorf("inbound message under manual control must still be persisted, count = %d", count)
	}

	if _, err := l.ReleaseControl(ctx, phone, "maria"); err != nil {
		t.Fatalf("ReleaseControl() error: %v", err)
	}
	conv, _ = st.GetActiveConversation(phone)
	if conv.Status != models.StatusActive {
		t.Errorf("status after release = %q, want active", conv.Status)
	}
	if l.registry.IsHeld(phone) {
		t.Error("registry entry should be gone after release")
	}
	bodies := sender.bodies()
	if !strings.Contains(bodies[len(bodies)-1], "Atendimento Manual Encerrado") {
		t.Errorf("closing notice not sent, last = %q", bodies[len(bodies)-1])
	}
	// No auto-restart: the timer waits for the next inbound message.
	if l.scheduler.Has(phone) {
		t.Error("release must not arm a timer before the next inbound message")
	}
}

func TestScenarioC_CandidateTimeout(t *testing.T) {
	l, st, sender, _ := newTestLifecycle(t, WithTimeout(30*time.Millisecond), WithFollowUpTimeout(30*time.Millisecond))
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.MarkFirstMessageHandled(ctx, phone)
	l.HandleInbound(ctx, inbound(phone, "procurando emprego"))

	waitFor(t, time.Second, func() bool {
		conv, _ := st.GetActiveConversation(phone)
		return conv == nil
	})
	if l.scheduler.Has(phone) {
		t.Error("no timer may survive finalization")
	}
	bodies := sender.bodies()
	last := bodies[len(bodies)-1]
	if !strings.Contains(last, "finalizado automaticamente por inatividade") {
		t.Errorf("timeout notice not sent, last = %q", last)
	}
}

// A timer that expires while an inbound handler holds the phone lock must
// not act: the handler re-arms via Touch, superseding the expiry.
func TestTimerExpiryDuringInboundDoesNotFinalize(t *testing.T) {
	l, st, sender, _ := newTestLifecycle(t, WithTimeout(60*time.Millisecond))
	ctx := context.Background()
	phone := "5511987650000"

	if err := l.HandleInbound(ctx, inbound(phone, "Olá")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if _, err := l.MarkFirstMessageHandled(ctx, phone); err != nil {
		t.Fatalf("MarkFirstMessageHandled: %v", err)
	}

	// Slow persistence keeps the phone lock held across the timer expiry.
	st.appendDelay = 150 * time.Millisecond

	if err := l.HandleInbound(ctx, inbound(phone, "ainda estou aqui")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	// Let the blocked timer callback acquire the lock and bail out.
	time.Sleep(100 * time.Millisecond)

	conv, err := st.GetActiveConversation(phone)
	if err != nil || conv == nil {
		t.Fatalf("conversation gone after raced expiry: conv=%v err=%v", conv, err)
	}
	if conv.Status != models.StatusActive {
		t.Errorf("status = %s, want active", conv.Status)
	}
	for _, body := range sender.bodies() {
		if strings.Contains(body, "não interagiu") {
			t.Errorf("stale timer callback acted right after user activity: %q", body)
		}
	}
	if !l.scheduler.Has(phone) {
		t.Error("re-armed timer should survive the raced expiry")
	}
}

func TestCompanyFollowUpThenFinalize(t *testing.T) {
	l, st, sender, _ := newTestLifecycle(t, WithTimeout(30*time.Millisecond), WithFollowUpTimeout(60*time.Millisecond))
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.MarkFirstMessageHandled(ctx, phone)
	l.HandleInbound(ctx, inbound(phone, "somos uma empresa e queremos contratar"))

	// First window elapses: exactly one follow-up, not finalized.
	waitFor(t, time.Second, func() bool {
		for _, b := range sender.bodies() {
			if strings.Contains(b, "Ainda está conosco?") {
				return true
			}
		}
		return false
	})
	conv, _ := st.GetActiveConversation(phone)
	if conv == nil {
		t.Fatal("conversation must not finalize at the first window")
	}
	followUps := 0
	for _, b := range sender.bodies() {
		if strings.Contains(b, "Ainda está conosco?") {
			followUps++
		}
	}
	if followUps != 1 {
		t.Errorf("follow-up count = %d, want 1", followUps)
	}

	// Extended window elapses: finalized.
	waitFor(t, time.Second, func() bool {
		conv, _ := st.GetActiveConversation(phone)
		return conv == nil
	})
	followUps = 0
	for _, b := range sender.bodies() {
		if strings.Contains(b, "Ainda está conosco?") {
			followUps++
		}
	}
	if followUps != 1 {
		t.Errorf("follow-up count after finalize = %d, want 1", followUps)
	}
}

func TestCompanyActivityCancelsFollowUp(t *testing.T) {
	l, st, _, _ := newTestLifecycle(t, WithTimeout(40*time.Millisecond), WithFollowUpTimeout(40*time.Millisecond))
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.MarkFirstMessageHandled(ctx, phone)
	l.HandleInbound(ctx, inbound(phone, "quero contratar uma empresa de rh"))

	// Keep the conversation warm past two windows.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		l.HandleInbound(ctx, inbound(phone, "sim"))
	}
	conv, _ := st.GetActiveConversation(phone)
	if conv == nil {
		t.Fatal("active conversation must not finalize while messages keep arriving")
	}
}

func TestIdempotentFinalize(t *testing.T) {
	l, st, _, _ := newTestLifecycle(t)
	const phone = "5511999990000"

	l.HandleInbound(context.Background(), inbound(phone, "Olá"))
	if err := l.finalizeLocked(phone); err != nil {
		t.Fatalf("first finalize error: %v", err)
	}
	if err := l.finalizeLocked(phone); err != nil {
		t.Fatalf("second finalize error: %v", err)
	}
	finalized, _ := st.ListByStatus(models.StatusFinalized)
	if len(finalized) != 1 {
		t.Errorf("finalized conversations = %d, want 1", len(finalized))
	}
}

func TestPostFinalizationResurrection(t *testing.T) {
	l, st, _, _ := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	oldConv, _ := st.GetActiveConversation(phone)
	l.finalizeLocked(phone)

	if err := l.HandleInbound(ctx, inbound(phone, "oi de novo")); err != nil {
		t.Fatalf("HandleInbound() after finalize error: %v", err)
	}
	newConv, _ := st.GetActiveConversation(phone)
	if newConv == nil {
		t.Fatal("new conversation should exist")
	}
	if newConv.ID == oldConv.ID {
		t.Error("resurrected conversation must have a new ID")
	}
	if !newConv.IsFirstMessage {
		t.Error("resurrected conversation must reset the first-message gate")
	}
	oldCount, _ := st.CountMessages(oldConv.ID)
	newCount, _ := st.CountMessages(newConv.ID)
	if oldCount != 1 || newCount != 1 {
		t.Errorf("message attribution: old = %d, new = %d, want 1 and 1", oldCount, newCount)
	}
}

func TestTimerAndRegistryMutuallyExclusive(t *testing.T) {
	l, _, _, _ := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	if !l.scheduler.Has(phone) || l.registry.IsHeld(phone) {
		t.Fatal("active conversation should have a timer and no registry entry")
	}

	l.TakeControl(ctx, phone, "maria")
	if l.scheduler.Has(phone) {
		t.Error("timer and manual control may never coexist")
	}
	if !l.registry.IsHeld(phone) {
		t.Error("registry should hold after TakeControl")
	}

	l.ReleaseControl(ctx, phone, "maria")
	l.HandleInbound(ctx, inbound(phone, "oi"))
	if !l.scheduler.Has(phone) || l.registry.IsHeld(phone) {
		t.Error("after release and inbound, timer should be armed and registry empty")
	}
}

func TestAttachmentGuard(t *testing.T) {
	l, _, sender, gen := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.MarkFirstMessageHandled(ctx, phone)

	msg := inbound(phone, "")
	msg.HasMedia = true
	msg.MediaType = "document"
	if err := l.HandleInbound(ctx, msg); err != nil {
		t.Fatalf("HandleInbound() error: %v", err)
	}
	if gen.callCount() != 0 {
		t.Error("attachments must not reach the generator")
	}
	bodies := sender.bodies()
	if !strings.Contains(bodies[len(bodies)-1], "formulário de cadastro") {
		t.Errorf("registration guidance not sent, last = %q", bodies[len(bodies)-1])
	}

	if err := l.HandleInbound(ctx, inbound(phone, "meu cv: https://example.com/cv.pdf")); err != nil {
		t.Fatalf("HandleInbound() error: %v", err)
	}
	if gen.callCount() != 0 {
		t.Error("links must not reach the generator")
	}
}

func TestEndConversationGuard(t *testing.T) {
	l, st, sender, gen := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.MarkFirstMessageHandled(ctx, phone)

	if err := l.HandleInbound(ctx, inbound(phone, "tchau")); err != nil {
		t.Fatalf("HandleInbound() error: %v", err)
	}
	conv, _ := st.GetActiveConversation(phone)
	if conv != nil {
		t.Error("goodbye should finalize the conversation")
	}
	if gen.callCount() != 0 {
		t.Error("goodbye must not reach the generator")
	}
	bodies := sender.bodies()
	if !strings.Contains(bodies[len(bodies)-1], "Atendimento Finalizado") {
		t.Errorf("goodbye notice not sent, last = %q", bodies[len(bodies)-1])
	}
}

func TestEndConversationGuard_CandidateMidFlowContinues(t *testing.T) {
	l, st, _, gen := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.MarkFirstMessageHandled(ctx, phone)
	l.HandleInbound(ctx, inbound(phone, "procurando emprego"))
	l.HandleInbound(ctx, inbound(phone, "área de suporte"))

	// A candidate with history keeps going even after a farewell word.
	if err := l.HandleInbound(ctx, inbound(phone, "tchau")); err != nil {
		t.Fatalf("HandleInbound() error: %v", err)
	}
	conv, _ := st.GetActiveConversation(phone)
	if conv == nil {
		t.Fatal("candidate mid-flow must not finalize on a farewell word")
	}
	if gen.callCount() != 3 {
		t.Errorf("generator calls = %d, want 3", gen.callCount())
	}
}

func TestAttendantGuard(t *testing.T) {
	l, st, sender, gen := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.MarkFirstMessageHandled(ctx, phone)

	if err := l.HandleInbound(ctx, inbound(phone, "quero falar com uma atendente")); err != nil {
		t.Fatalf("HandleInbound() error: %v", err)
	}
	if gen.callCount() != 0 {
		t.Error("attendant request must not be swallowed by the generator")
	}
	bodies := sender.bodies()
	if !strings.Contains(bodies[len(bodies)-1], "atendente humano") {
		t.Errorf("transfer notice not sent, last = %q", bodies[len(bodies)-1])
	}
	notifs, _ := st.ListNotifications(models.NotificationTypeSystem, 10)
	if len(notifs) != 1 {
		t.Errorf("dashboard notifications = %d, want 1", len(notifs))
	}
	conv, _ := st.GetActiveConversation(phone)
	if conv == nil || conv.Status != models.StatusActive {
		t.Error("attendant request keeps the conversation active")
	}
}

func TestOutOfScopeGuard(t *testing.T) {
	l, _, sender, gen := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.MarkFirstMessageHandled(ctx, phone)

	if err := l.HandleInbound(ctx, inbound(phone, "escreva um script em python")); err != nil {
		t.Fatalf("HandleInbound() error: %v", err)
	}
	if gen.callCount() != 0 {
		t.Error("out-of-scope request must not reach the generator")
	}
	bodies := sender.bodies()
	if !strings.Contains(bodies[len(bodies)-1], "APENAS em recrutamento") {
		t.Errorf("out-of-scope notice not sent, last = %q", bodies[len(bodies)-1])
	}
}

func TestCompanyDetectionNotification(t *testing.T) {
	l, st, _, _ := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "bom dia"))
	l.MarkFirstMessageHandled(ctx, phone)
	l.HandleInbound(ctx, inbound(phone, "represento uma empresa e quero contratar"))

	notifs, _ := st.ListNotifications(models.NotificationTypeCompany, 10)
	if len(notifs) != 1 {
		t.Fatalf("company notifications = %d, want 1", len(notifs))
	}
	if notifs[0].PhoneNumber != phone {
		t.Errorf("notification phone = %q, want %q", notifs[0].PhoneNumber, phone)
	}
}

func TestTakeControlConflictLastWriterWins(t *testing.T) {
	l, st, _, _ := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.TakeControl(ctx, phone, "maria")
	info, err := l.TakeControl(ctx, phone, "joao")
	if err != nil {
		t.Fatalf("second TakeControl() error: %v", err)
	}
	if info.AgentID != "joao" {
		t.Errorf("holder = %q, want joao", info.AgentID)
	}
	conv, _ := st.GetActiveConversation(phone)
	if conv.AgentID != "joao" {
		t.Errorf("stored agent = %q, want joao", conv.AgentID)
	}
}

func TestTransportErrorDoesNotRollBackControl(t *testing.T) {
	l, st, sender, _ := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	sender.fail = true
	_, err := l.TakeControl(ctx, phone, "maria")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if !l.registry.IsHeld(phone) {
		t.Error("control must be held despite the send failure")
	}
	conv, _ := st.GetActiveConversation(phone)
	if conv.Status != models.StatusManualControl {
		t.Errorf("status = %q, want manual_control", conv.Status)
	}
}

func TestStorageErrorBlocksMemorySideEffects(t *testing.T) {
	l, st, _, _ := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	st.failSetManualControl = true
	if _, err := l.TakeControl(ctx, phone, "maria"); err == nil {
		t.Fatal("expected storage error")
	}
	if l.registry.IsHeld(phone) {
		t.Error("registry must not hold when storage rejected the transition")
	}
	if !l.scheduler.Has(phone) {
		t.Error("timer must survive a failed control acquisition")
	}
}

func TestReleaseControlNotHeld(t *testing.T) {
	l, _, _, _ := newTestLifecycle(t)
	if _, err := l.ReleaseControl(context.Background(), "5511999990000", "maria"); !errors.Is(err, models.ErrNotUnderManualControl) {
		t.Errorf("error = %v, want ErrNotUnderManualControl", err)
	}
}

func TestReleaseControlAndFinalize(t *testing.T) {
	l, st, sender, _ := newTestLifecycle(t)
	const phone = "5511999990000"
	ctx := context.Background()

	l.HandleInbound(ctx, inbound(phone, "Olá"))
	l.TakeControl(ctx, phone, "maria")

	final, _, err := l.ReleaseControlAndFinalize(ctx, phone, "maria")
	if err != nil {
		t.Fatalf("ReleaseControlAndFinalize() error: %v", err)
	}
	if !strings.Contains(final, "maria") {
		t.Errorf("final message should name the agent, got %q", final)
	}
	conv, _ := st.GetActiveConversation(phone)
	if conv != nil {
		t.Error("conversation should be finalized")
	}
	if l.registry.IsHeld(phone) || l.scheduler.Has(phone) {
		t.Error("no registry entry or timer may survive finalization")
	}
	bodies := sender.bodies()
	if bodies[len(bodies)-1] != final {
		t.Errorf("final notice not sent, last = %q", bodies[len(bodies)-1])
	}
}

func TestControlStatusAndStats(t *testing.T) {
	l, _, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	status := l.ControlStatus("5511999990000")
	if status.IsManualControl {
		t.Error("fresh phone should not be under manual control")
	}

	l.HandleInbound(ctx, inbound("5511999990000", "Olá"))
	l.HandleInbound(ctx, inbound("5511999990001", "Olá"))
	l.TakeControl(ctx, "5511999990001", "maria")

	status = l.ControlStatus("5511999990001")
	if !status.IsManualControl || status.AgentID != "maria" || status.TakenAt == nil {
		t.Errorf("unexpected control status: %+v", status)
	}

	stats := l.Stats()
	if stats.Total != 1 {
		t.Errorf("active timers = %d, want 1", stats.Total)
	}
	if stats.ManualControl.Total != 1 {
		t.Errorf("manual-control total = %d, want 1", stats.ManualControl.Total)
	}
	if stats.Conversations[0].PhoneNumber != "5511999990000" {
		t.Errorf("active conversation = %q, want 5511999990000", stats.Conversations[0].PhoneNumber)
	}
	if stats.ManualControl.Conversations[0].AgentID != "maria" {
		t.Errorf("held agent = %q, want maria", stats.ManualControl.Conversations[0].AgentID)
	}
}

func TestMarkFirstMessageHandledUnknownPhone(t *testing.T) {
	l, _, _, _ := newTestLifecycle(t)
	if _, err := l.MarkFirstMessageHandled(context.Background(), "5511000000000"); !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("error = %v, want ErrConversationNotFound", err)
	}
}

func TestConcurrentInboundDifferentPhones(t *testing.T) {
	l, st, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			phone := fmt.Sprintf("55119999%05d", i)
			if err := l.HandleInbound(ctx, inbound(phone, "Olá")); err != nil {
				t.Errorf("HandleInbound(%s) error: %v", phone, err)
			}
		}(i)
	}
	wg.Wait()

	active, _ := st.ListByStatus(models.StatusActive)
	if len(active) != 20 {
		t.Errorf("active conversations = %d, want 20", len(active))
	}
}

func TestSweepStaleFinalizesIdleConversations(t *testing.T) {
	l, st, snd, _ := newTestLifecycle(t)
	ctx := context.Background()

	if err := l.HandleInbound(ctx, inbound("5511999990001", "procuro uma vaga")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	if err := l.HandleInbound(ctx, inbound("5511999990002", "procuro emprego")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}

	// Simulate a restart that lost the timer for the first phone, with the
	// row idle beyond the sweep window.
	l.scheduler.Cancel("5511999990001")
	st.mu.Lock()
	for _, c := range st.conversations {
		if c.PhoneNumber == "5511999990001" {
			c.UpdatedAt = time.Now().Add(-time.Hour)
		}
	}
	st.mu.Unlock()
	sentBefore := len(snd.bodies())

	swept, err := l.SweepStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	conv, _ := st.GetActiveConversation("5511999990001")
	if conv != nil {
		t.Error("expected stale conversation to be finalized")
	}
	// The recent conversation still has its timer and stays active.
	if conv2, _ := st.GetActiveConversation("5511999990002"); conv2 == nil {
		t.Error("expected recent conversation to survive the sweep")
	}
	bodies := snd.bodies()
	if len(bodies) != sentBefore+1 || !strings.Contains(bodies[len(bodies)-1], "inatividade") {
		t.Errorf("expected timeout message to the swept phone, got %v", bodies[sentBefore:])
	}
}

func TestSweepStaleSkipsLiveTimersAndHeld(t *testing.T) {
	l, st, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	if err := l.HandleInbound(ctx, inbound("5511999990001", "olá")); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}
	st.mu.Lock()
	for _, c := range st.conversations {
		c.UpdatedAt = time.Now().Add(-time.Hour)
	}
	st.mu.Unlock()

	// A live timer exempts the conversation even when the row looks stale.
	swept, err := l.SweepStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if swept != 0 {
		t.Errorf("swept = %d, want 0 while timer is live", swept)
	}
}
