// Package recovery restores in-memory conversation state after an
// application restart. Manual-control holds and inactivity timers live in
// memory only; this package rebuilds them from the durable conversation
// rows so a restart does not silently drop held conversations or leave
// active ones without a timeout.
package recovery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/evoluxrh/rhagent/internal/models"
	"github.com/evoluxrh/rhagent/internal/store"
)

// Lifecycle is the subset of the conversation lifecycle the reconciler
// drives during startup.
type Lifecycle interface {
	RestoreManualControl(phoneNumber, agentID string, takenAt time.Time)
	ReArmTimer(phoneNumber string, lastActivity time.Time)
}

// Reconciler rebuilds in-memory state from the store on startup.
type Reconciler struct {
	store     store.Store
	lifecycle Lifecycle
}

// NewReconciler creates a reconciler over the given store and lifecycle.
func NewReconciler(st store.Store, lc Lifecycle) *Reconciler {
	return &Reconciler{store: st, lifecycle: lc}
}

// Reconcile restores manual-control holds first, then re-arms inactivity
// timers for the remaining active conversations. Conversations restored
// under manual control are never given a timer.
func (r *Reconciler) Reconcile() error {
	held, err := r.reconcileManualControl()
	if err != nil {
		return err
	}
	active, err := r.reconcileActive()
	if err != nil {
		return err
	}
	slog.Info("Conversation state reconciled", "manualControl", held, "active", active)
	return nil
}

func (r *Reconciler) reconcileManualControl() (int, error) {
	convs, err := r.store.ListByStatus(models.StatusManualControl)
	if err != nil {
		return 0, fmt.Errorf("recovery: list manual-control conversations: %w", err)
	}

	restored := 0
	for _, conv := range convs {
		takenAt := conv.UpdatedAt
		if conv.ManualControlTakenAt != nil {
			takenAt = *conv.ManualControlTakenAt
		}
		if conv.AgentID == "" {
			// An orphaned hold would mute the conversation forever: no
			// registry entry to release and no timer. Clear it so the
			// active pass re-arms the conversation below.
			slog.Warn("Manual-control conversation has no agent ID, clearing hold",
				"phone", conv.PhoneNumber, "conversationID", conv.ID)
			if err := r.store.SetManualControl(conv.PhoneNumber, ""); err != nil {
				slog.Error("Failed to clear orphaned manual control",
					"error", err, "phone", conv.PhoneNumber, "conversationID", conv.ID)
			}
			continue
		}
		r.lifecycle.RestoreManualControl(conv.PhoneNumber, conv.AgentID, takenAt)
		slog.Debug("Restored manual control", "phone", conv.PhoneNumber, "agentID", conv.AgentID)
		restored++
	}
	return restored, nil
}

func (r *Reconciler) reconcileActive() (int, error) {
	convs, err := r.store.ListByStatus(models.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("recovery: list active conversations: %w", err)
	}

	rearmed := 0
	for _, conv := range convs {
		r.lifecycle.ReArmTimer(conv.PhoneNumber, conv.UpdatedAt)
		slog.Debug("Re-armed inactivity timer", "phone", conv.PhoneNumber, "lastActivity", conv.UpdatedAt)
		rearmed++
	}
	return rearmed, nil
}
