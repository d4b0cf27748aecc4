package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/evoluxrh/rhagent/internal/models"
)

// NoopService is a messaging service that records sent messages without
// delivering them. Useful for dry runs and tests.
type NoopService struct {
	inbound chan models.InboundMessage
	mu      sync.Mutex
	sent    []SentMessage
	stopped bool
}

// SentMessage records a message handed to the NoopService.
type SentMessage struct {
	To   string
	Body string
}

// NewNoopService creates a new NoopService.
func NewNoopService() *NoopService {
	return &NoopService{
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (s *NoopService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

func (s *NoopService) Start(ctx context.Context) error { return nil }

func (s *NoopService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	return nil
}

func (s *NoopService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	canonicalTo, err := canonicalizePhoneNumber(to)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, SentMessage{To: canonicalTo, Body: body})
	slog.Debug("NoopService recorded message", "to", canonicalTo)
	return nil
}

// Sent returns a copy of the messages recorded so far.
func (s *NoopService) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// EmitInbound injects an inbound message, simulating a received message.
func (s *NoopService) EmitInbound(msg models.InboundMessage) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.inbound <- msg
}

func (s *NoopService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}
