package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/evoluxrh/rhagent/internal/models"
	"github.com/evoluxrh/rhagent/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
	inbound  chan models.InboundMessage
	done     chan struct{}
	stopOnce sync.Once
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}

	// Only a full client exposes the event stream; a mock sends silently.
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number by stripping non-digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
	}

	return nil
}

// Stop stops background processing. The inbound channel closes shortly
// after so in-flight event callbacks can finish.
func (s *WhatsAppService) Stop() error {
	s.stopOnce.Do(func() {
		slog.Info("WhatsAppService Stop invoked")
		close(s.done)
		go func() {
			time.Sleep(50 * time.Millisecond)
			close(s.inbound)
		}()
	})
	return nil
}

// SendMessage sends a message through the WhatsApp client.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	slog.Debug("WhatsAppService SendMessage invoked", "to", to, "body_length", len(body))
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Info("WhatsAppService message sent", "to", canonicalTo)
	return nil
}

// Inbound returns the channel of incoming messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// handleEvents registers the Whatsmeow event handler and feeds message
// events into the inbound channel.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	slog.Debug("WhatsAppService handleEvents starting")

	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		default:
			// Ignore receipts, presence and connection events.
		}
	})

	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts a Whatsmeow message event into an inbound
// message. Media messages are forwarded with their type so the lifecycle can
// intercept them; only the caption (if any) is carried as text.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	text, hasMedia, mediaType := extractContent(evt)
	if text == "" && !hasMedia {
		slog.Debug("WhatsAppService ignoring empty message", "from", evt.Info.Sender.String())
		return
	}

	msg := models.InboundMessage{
		From:      strings.TrimPrefix(evt.Info.Sender.User, "+"),
		Body:      text,
		HasMedia:  hasMedia,
		MediaType: mediaType,
		Time:      evt.Info.Timestamp.Unix(),
	}

	slog.Debug("WhatsAppService processing incoming message",
		"from", msg.From, "body_length", len(msg.Body), "hasMedia", msg.HasMedia, "mediaType", msg.MediaType)

	select {
	case <-s.done:
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", msg.From)
	case s.inbound <- msg:
		slog.Info("WhatsAppService incoming message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

// extractContent pulls text and media information out of a message event.
func extractContent(evt *events.Message) (text string, hasMedia bool, mediaType string) {
	m := evt.Message
	switch {
	case m.Conversation != nil:
		return m.GetConversation(), false, ""
	case m.ExtendedTextMessage != nil:
		return m.ExtendedTextMessage.GetText(), false, ""
	case m.ImageMessage != nil:
		return m.ImageMessage.GetCaption(), true, "image"
	case m.VideoMessage != nil:
		return m.VideoMessage.GetCaption(), true, "video"
	case m.DocumentMessage != nil:
		return m.DocumentMessage.GetCaption(), true, "document"
	case m.AudioMessage != nil:
		if m.AudioMessage.GetPTT() {
			return "", true, "ptt"
		}
		return "", true, "audio"
	case m.StickerMessage != nil:
		return "", true, "sticker"
	case m.ContactMessage != nil:
		return "", true, "vcard"
	case m.ContactsArrayMessage != nil:
		return "", true, "multi_vcard"
	case m.LocationMessage != nil:
		return "", true, "location"
	default:
		return "", false, ""
	}
}
