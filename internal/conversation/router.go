package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/evoluxrh/rhagent/internal/genai"
	"github.com/evoluxrh/rhagent/internal/models"
)

// queueSize bounds each phone number's pending inbound messages.
const queueSize = 64

// Router fans inbound messages out to one serial worker per phone number.
// Messages from the same phone number are processed in order, one at a time;
// different phone numbers are processed concurrently. A processing failure
// is converted into a fixed apology to the user and never crosses into
// another phone number's worker.
type Router struct {
	lifecycle *Lifecycle

	mu     sync.Mutex
	queues map[string]chan models.InboundMessage
	wg     sync.WaitGroup
}

// NewRouter creates a router over the given lifecycle.
func NewRouter(lifecycle *Lifecycle) *Router {
	return &Router{
		lifecycle: lifecycle,
		queues:    make(map[string]chan models.InboundMessage),
	}
}

// Run consumes inbound messages until the channel closes or the context is
// cancelled, then waits for the per-phone workers to drain.
func (r *Router) Run(ctx context.Context, inbound <-chan models.InboundMessage) {
	slog.Info("Router started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Router stopping, context cancelled")
			r.closeQueues()
			r.wg.Wait()
			return
		case msg, ok := <-inbound:
			if !ok {
				slog.Info("Router stopping, inbound channel closed")
				r.closeQueues()
				r.wg.Wait()
				return
			}
			r.dispatch(ctx, msg)
		}
	}
}

// dispatch enqueues the message on its phone number's serial queue, starting
// a worker for the number on first contact.
func (r *Router) dispatch(ctx context.Context, msg models.InboundMessage) {
	if msg.From == "" {
		slog.Warn("Router dropping message without sender")
		return
	}

	r.mu.Lock()
	queue, exists := r.queues[msg.From]
	if !exists {
		queue = make(chan models.InboundMessage, queueSize)
		r.queues[msg.From] = queue
		r.wg.Add(1)
		go r.worker(ctx, msg.From, queue)
	}
	r.mu.Unlock()

	select {
	case queue <- msg:
	default:
		// A full queue means the counterpart is flooding; dropping keeps the
		// dispatch loop responsive for every other phone number.
		slog.Warn("Router queue full, dropping message", "phone", msg.From)
	}
}

// worker processes one phone number's messages sequentially.
func (r *Router) worker(ctx context.Context, phoneNumber string, queue <-chan models.InboundMessage) {
	defer r.wg.Done()
	for msg := range queue {
		if err := r.lifecycle.HandleInbound(ctx, msg); err != nil {
			slog.Error("Router message processing failed", "error", err, "phone", phoneNumber)
			r.lifecycle.send(ctx, phoneNumber, genai.ApologyMessage())
		}
	}
	slog.Debug("Router worker exiting", "phone", phoneNumber)
}

// closeQueues closes every per-phone queue so the workers drain and exit.
func (r *Router) closeQueues() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for phone, queue := range r.queues {
		close(queue)
		delete(r.queues, phone)
	}
}
