package twiliowhatsapp

import (
	"context"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendMessage(ctx, "+5511999990000", "Olá")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}

	if mock.SentMessages[0].Body != "Olá" {
		t.Errorf("expected body %q, got %q", "Olá", mock.SentMessages[0].Body)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("sid"), WithAuthToken("token")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewClient(WithAccountSID("sid"), WithAuthToken("token"), WithFromWhats("whatsapp:+10000000000")); err != nil {
		t.Errorf("unexpected error with full credentials: %v", err)
	}
}
