// Package admission is the decision point every call must pass through
// before a provider dial is attempted: capacity and duplicate-call checks,
// backed by internal/slots.
package admission

import (
	"context"
	"errors"

	"campaign-dialer/internal/slots"
)

// Decision is the outcome of a StartTracking attempt.
type Decision int

const (
	Admit Decision = iota
	RejectCapacity
	RejectDuplicate
)

// Controller wraps the SlotRegistry with the StartTracking/EndTracking
// vocabulary the Python ConcurrencyManager exposed; the capacity and
// duplicate checks happen inside StartTracking, with no separate
// side-effect-free check.
type Controller struct {
	registry *slots.Registry
}

func New(registry *slots.Registry) *Controller {
	return &Controller{registry: registry}
}

// StartTracking attempts to admit a call. On success the caller owns the
// slot and number lock until it calls EndTracking.
func (c *Controller) StartTracking(ctx context.Context, callID, number string) (Decision, error) {
	err := c.registry.Acquire(ctx, callID, number)
	switch {
	case err == nil:
		return Admit, nil
	case errors.Is(err, slots.ErrAtCapacity):
		return RejectCapacity, nil
	case errors.Is(err, slots.ErrDuplicateInFlight):
		return RejectDuplicate, nil
	default:
		return RejectCapacity, err
	}
}

// EndTracking releases the slot and duplicate lock. Safe to call even if
// StartTracking was never called or already ended for this call.
func (c *Controller) EndTracking(ctx context.Context, callID, number string) error {
	return c.registry.Release(ctx, callID, number)
}

// AvailableSlots reports remaining headroom against the global cap.
func (c *Controller) AvailableSlots(ctx context.Context) (int64, error) {
	return c.registry.AvailableSlots(ctx)
}
