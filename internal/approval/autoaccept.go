package approval

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/billing"
	"github.com/storyloom/storyloom/internal/constants"
)

// Estimator prices a set of proposed tool calls.
type Estimator interface {
	Estimate(ctx context.Context, calls []billing.ProposedCall) (billing.Estimate, error)
}

// AutoAccept approves pending batches without per-action confirmation. It
// is opt-in per conversation: the flag is cleared whenever a turn completes
// normally and must be re-enabled explicitly. Before approving it waits for
// a cost estimate, verifies the balance covers it, applies the optional
// policy, then debounces briefly so a manual action can still preempt it.
type AutoAccept struct {
	controller *Controller
	estimator  Estimator
	policy     *Policy
	delay      time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	enabled bool
	cancel  context.CancelFunc
}

// NewAutoAccept builds the auto-accept layer over an approval controller.
// A zero delay selects the default debounce; policy may be nil.
func NewAutoAccept(controller *Controller, estimator Estimator, policy *Policy, delay time.Duration, log zerolog.Logger) *AutoAccept {
	if delay == 0 {
		delay = constants.DefaultAutoAcceptDelay
	}
	return &AutoAccept{
		controller: controller,
		estimator:  estimator,
		policy:     policy,
		delay:      delay,
		log:        log.With().Str("component", "auto-accept").Logger(),
	}
}

// Enable turns auto-accept on for the current conversation.
func (a *AutoAccept) Enable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
}

// Disable turns auto-accept off and cancels any in-flight gate.
func (a *AutoAccept) Disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disableLocked()
}

func (a *AutoAccept) disableLocked() {
	a.enabled = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// Enabled reports the flag.
func (a *AutoAccept) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// OnTurnComplete clears the flag after a turn finishes normally, so
// auto-accept never silently carries into an unrelated exchange.
func (a *AutoAccept) OnTurnComplete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		a.log.Debug().Msg("turn complete; auto-accept reset")
	}
	a.disableLocked()
}

// CancelPending aborts an in-flight gate without flipping the enabled
// flag. Called when the batch changes under the gate (edit, disable) so a
// stale estimate is never acted on.
func (a *AutoAccept) CancelPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

// OnPending runs the auto-accept gate for the just-captured batch in the
// background. It returns immediately; the done channel closes when the
// gate finishes, whether it approved, deferred to manual handling, or was
// canceled.
func (a *AutoAccept) OnPending(ctx context.Context, resume ResumeFunc) <-chan struct{} {
	done := make(chan struct{})

	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		close(done)
		return done
	}
	if a.cancel != nil {
		a.cancel()
	}
	gateCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		a.runGate(gateCtx, resume)
	}()
	return done
}

func (a *AutoAccept) runGate(ctx context.Context, resume ResumeFunc) {
	calls := a.controller.ProposedCalls()
	if len(calls) == 0 {
		return
	}
	key := a.controller.EstimateKey()

	// No auto-confirm while the estimate is unresolved: the gate blocks
	// on the estimate call itself.
	est, err := a.estimator.Estimate(ctx, calls)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn().Err(err).Msg("cost estimate failed; leaving approval for manual handling")
		}
		return
	}

	if est.EstimatedCost > 0 && !est.SufficientBalance {
		a.log.Warn().
			Float64("estimated_cost", est.EstimatedCost).
			Float64("balance", est.Balance).
			Msg("insufficient balance; auto-accept disabled")
		a.Disable()
		return
	}

	if a.policy != nil {
		pending, ok := a.controller.Pending()
		if !ok {
			return
		}
		for _, call := range pending.Enabled() {
			allowed, err := a.policy.Allows(call, est)
			if err != nil {
				a.log.Warn().Err(err).Str("tool", call.Name).Msg("policy error; deferring to manual approval")
				return
			}
			if !allowed {
				a.log.Info().Str("tool", call.Name).Msg("policy declined auto-accept")
				return
			}
		}
	}

	// Debounce so a last-moment manual action wins.
	timer := time.NewTimer(a.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if !a.Enabled() {
		return
	}
	// The batch may have been edited while the gate slept; a changed key
	// means the estimate no longer prices what would be approved.
	if a.controller.EstimateKey() != key {
		a.log.Debug().Msg("batch changed during debounce; estimate stale, deferring to manual approval")
		return
	}
	if _, ok := a.controller.Pending(); !ok {
		return
	}

	if err := a.controller.Approve(ctx, resume); err != nil {
		a.log.Warn().Err(err).Msg("auto-accept approve failed")
	}
}
