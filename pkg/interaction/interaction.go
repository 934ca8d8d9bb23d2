// Package interaction provides cooperative cancellation for UI-driven
// asynchronous operations: superseded work runs to completion but its
// result is never observed.
package interaction

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Epoch is a generation marker captured when an interaction starts.
type Epoch int64

// Alert is a user-visible message derived from a failed operation.
type Alert struct {
	Message string
}

// GenericAlert is produced for errors the caller's policy does not
// classify.
var GenericAlert = &Alert{Message: "An unexpected error has occurred."}

// Rule maps an error condition to an alert, or to silence when Alert is
// nil.
type Rule struct {
	Err   error
	Alert *Alert
}

// Policy is the caller-supplied error classification table, matched in
// order with errors.Is.
type Policy []Rule

// Controller issues monotonically increasing interaction epochs. Only
// the operation holding the current epoch may commit an externally
// visible side effect.
type Controller struct {
	current atomic.Int64
	log     *slog.Logger
}

// NewController creates a Controller.
func NewController(log *slog.Logger) *Controller {
	return &Controller{log: log}
}

// Begin starts a new interaction, superseding every earlier one, and
// returns its epoch.
func (c *Controller) Begin() Epoch {
	return Epoch(c.current.Add(1))
}

// Current reports whether the epoch is still the latest. Any
// side-effecting step must check this before committing.
func (c *Controller) Current(e Epoch) bool {
	return c.current.Load() == int64(e)
}

// Run executes fn under a fresh epoch. If a newer interaction started
// while fn was running, both the result and any error are silently
// discarded: the work has completed without corrupting anything, so
// there is nothing to undo, only nothing to show. Otherwise commit is
// invoked on success, and failures are classified through the policy:
// a matching rule yields its alert (nil means suppress); an unmatched
// error is logged and yields the generic alert plus the error itself.
func (c *Controller) Run(ctx context.Context, policy Policy, fn func(ctx context.Context) error, commit func()) (*Alert, error) {
	epoch := c.Begin()

	err := fn(ctx)
	if !c.Current(epoch) {
		return nil, nil
	}
	if err == nil {
		if commit != nil {
			commit()
		}
		return nil, nil
	}

	for _, rule := range policy {
		if errors.Is(err, rule.Err) {
			return rule.Alert, nil
		}
	}
	c.log.Error("unclassified interaction error", "error", err)
	return GenericAlert, err
}
