// Package api provides the HTTP management surface and the main server
// wiring for the Evolux RH agent.
//
// It exposes RESTful endpoints for manual-control management, conversation
// inspection, notifications and outbound messages, and assembles the
// store, messaging, GenAI and conversation modules into a running service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evoluxrh/rhagent/internal/conversation"
	"github.com/evoluxrh/rhagent/internal/genai"
	"github.com/evoluxrh/rhagent/internal/messaging"
	"github.com/evoluxrh/rhagent/internal/models"
	"github.com/evoluxrh/rhagent/internal/recovery"
	"github.com/evoluxrh/rhagent/internal/scheduler"
	"github.com/evoluxrh/rhagent/internal/store"
	"github.com/evoluxrh/rhagent/internal/twiliowhatsapp"
	"github.com/evoluxrh/rhagent/internal/whatsapp"
)

// DefaultAddr is the default API server listen address.
const DefaultAddr = ":8080"

// Messaging backends selectable at startup.
const (
	BackendWhatsmeow = "whatsmeow"
	BackendTwilio    = "twilio"
	BackendNoop      = "noop"
)

// ConversationManager is the subset of the conversation lifecycle the
// HTTP handlers drive.
type ConversationManager interface {
	TakeControl(ctx context.Context, phoneNumber, agentID string) (models.ManualControlInfo, error)
	ReleaseControl(ctx context.Context, phoneNumber, agentID string) (time.Time, error)
	ReleaseControlAndFinalize(ctx context.Context, phoneNumber, agentID string) (string, time.Time, error)
	ControlStatus(phoneNumber string) models.ControlStatus
	MarkFirstMessageHandled(ctx context.Context, phoneNumber string) (bool, error)
	Stats() models.ActiveConversationsStats
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	Backend         string
	SweepSchedule   string
	SweepMaxIdle    time.Duration
	Timeout         time.Duration
	FollowUpTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithBackend selects the messaging backend ("whatsmeow", "twilio" or "noop").
func WithBackend(backend string) Option {
	return func(o *Opts) { o.Backend = backend }
}

// WithSweepSchedule sets the cron expression of the stale-conversation sweep.
func WithSweepSchedule(expr string) Option {
	return func(o *Opts) { o.SweepSchedule = expr }
}

// WithSweepMaxIdle sets the idle window after which the sweep finalizes
// a conversation.
func WithSweepMaxIdle(d time.Duration) Option {
	return func(o *Opts) { o.SweepMaxIdle = d }
}

// WithInactivityTimeout sets the conversation inactivity timeout.
func WithInactivityTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithFollowUpTimeout sets the post-follow-up inactivity timeout.
func WithFollowUpTimeout(d time.Duration) Option {
	return func(o *Opts) { o.FollowUpTimeout = d }
}

// Server wires the HTTP handlers to the conversation lifecycle, the
// store, the messaging service and the cron scheduler.
type Server struct {
	addr       string
	manager    ConversationManager
	st         store.Store
	msgService messaging.Service
	cron       *scheduler.Scheduler
}

// NewServer creates an API server over already-assembled modules.
func NewServer(manager ConversationManager, st store.Store, msgService messaging.Service, cron *scheduler.Scheduler, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	return &Server{
		addr:       o.Addr,
		manager:    manager,
		st:         st,
		msgService: msgService,
		cron:       cron,
	}
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations/control", s.controlHandler)
	mux.HandleFunc("/conversations/release", s.releaseHandler)
	mux.HandleFunc("/conversations/finalize", s.finalizeHandler)
	mux.HandleFunc("/conversations/first-message-handled", s.firstMessageHandledHandler)
	mux.HandleFunc("/conversations/stats", s.statsHandler)
	mux.HandleFunc("/conversations/history", s.historyHandler)
	mux.HandleFunc("/conversations", s.listConversationsHandler)
	mux.HandleFunc("/notifications/read", s.markNotificationReadHandler)
	mux.HandleFunc("/notifications", s.notificationsHandler)
	mux.HandleFunc("/send", s.sendHandler)
	mux.HandleFunc("/schedule", s.scheduleHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if ts, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", ts.WebhookHandler)
	}
	return mux
}

// Run assembles all modules from the given options and serves the API
// until the process receives SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var o Opts
	for _, opt := range apiOpts {
		opt(&o)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	msgService, err := buildMessagingService(o.Backend, waOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging service: %w", err)
	}

	generator, err := buildGenerator(genaiOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize GenAI client: %w", err)
	}

	var convOpts []conversation.Option
	if o.Timeout > 0 {
		convOpts = append(convOpts, conversation.WithTimeout(o.Timeout))
	}
	if o.FollowUpTimeout > 0 {
		convOpts = append(convOpts, conversation.WithFollowUpTimeout(o.FollowUpTimeout))
	}
	lifecycle := conversation.NewLifecycle(st, generator, msgService, convOpts...)
	defer lifecycle.Shutdown()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	if err := recovery.NewReconciler(st, lifecycle).Reconcile(); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	cron := scheduler.NewScheduler()
	defer cron.Stop()
	if err := cron.AddStaleSweep(lifecycle, o.SweepSchedule, o.SweepMaxIdle); err != nil {
		return fmt.Errorf("failed to schedule stale sweep: %w", err)
	}

	router := conversation.NewRouter(lifecycle)
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		router.Run(ctx, msgService.Inbound())
	}()

	server := NewServer(lifecycle, st, msgService, cron, apiOpts...)
	httpServer := &http.Server{Addr: server.addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", server.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	<-routerDone
	return nil
}

func buildStore(storeOpts []store.Option) (store.Store, error) {
	var o store.Opts
	for _, opt := range storeOpts {
		opt(&o)
	}
	if store.DetectDSNType(o.DSN) == "postgres" {
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(storeOpts...)
	}
	slog.Info("Using SQLite store", "path", o.DSN)
	return store.NewSQLiteStore(storeOpts...)
}

func buildMessagingService(backend string, waOpts []whatsapp.Option) (messaging.Service, error) {
	switch backend {
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		slog.Info("Using Twilio messaging backend")
		return messaging.NewTwilioService(client), nil
	case BackendNoop:
		slog.Info("Using noop messaging backend (dry run)")
		return messaging.NewNoopService(), nil
	case BackendWhatsmeow, "":
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		slog.Info("Using whatsmeow messaging backend")
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend: %s", backend)
	}
}

func buildGenerator(genaiOpts []genai.Option) (genai.Generator, error) {
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		if errors.Is(err, genai.ErrMissingAPIKey) {
			slog.Warn("No OpenAI API key configured, replies fall back to fixed messages")
			return genai.Noop{}, nil
		}
		return nil, err
	}
	return client, nil
}
