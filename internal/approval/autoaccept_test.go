package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/internal/billing"
	"github.com/storyloom/storyloom/internal/testutil"
	"github.com/storyloom/storyloom/internal/transcript"
)

type fakeEstimator struct {
	est     billing.Estimate
	err     error
	release chan struct{}
	calls   int
}

func (f *fakeEstimator) Estimate(ctx context.Context, _ []billing.ProposedCall) (billing.Estimate, error) {
	f.calls++
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return billing.Estimate{}, ctx.Err()
		}
	}
	return f.est, f.err
}

func TestAutoAccept_ApprovesAffordableBatch(t *testing.T) {
	_, ctrl := pauseTurn(t,
		transcript.ToolCall{ID: "t1", Name: "generate_image_asset", Arguments: `{"prompt":"x"}`},
	)

	est := &fakeEstimator{est: billing.Estimate{EstimatedCost: 2, Balance: 10, SufficientBalance: true}}
	auto := NewAutoAccept(ctrl, est, nil, 10*time.Millisecond, testutil.NewTestLogger(t))
	auto.Enable()

	resume := &captureResume{}
	<-auto.OnPending(context.Background(), resume.fn)

	require.Len(t, resume.calls, 1)
	assert.True(t, resume.calls[0].Approved)
	_, ok := ctrl.Pending()
	assert.False(t, ok)
}

func TestAutoAccept_ZeroCostSkipsBalanceCheck(t *testing.T) {
	_, ctrl := pauseTurn(t,
		transcript.ToolCall{ID: "t1", Name: "generate_image_asset", Arguments: `{}`},
	)

	est := &fakeEstimator{est: billing.Estimate{EstimatedCost: 0, Balance: 0, SufficientBalance: false}}
	auto := NewAutoAccept(ctrl, est, nil, 10*time.Millisecond, testutil.NewTestLogger(t))
	auto.Enable()

	resume := &captureResume{}
	<-auto.OnPending(context.Background(), resume.fn)

	assert.Len(t, resume.calls, 1, "free calls are approved regardless of balance")
}

func TestAutoAccept_InsufficientBalanceDisablesItself(t *testing.T) {
	_, ctrl := pauseTurn(t,
		transcript.ToolCall{ID: "t1", Name: "generate_image_asset", Arguments: `{}`},
	)

	est := &fakeEstimator{est: billing.Estimate{EstimatedCost: 50, Balance: 3, SufficientBalance: false}}
	auto := NewAutoAccept(ctrl, est, nil, time.Millisecond, testutil.NewTestLogger(t))
	auto.Enable()

	resume := &captureResume{}
	<-auto.OnPending(context.Background(), resume.fn)

	assert.Empty(t, resume.calls, "never approve what the user cannot afford")
	assert.False(t, auto.Enabled())
	_, ok := ctrl.Pending()
	assert.True(t, ok, "approval stays pending for manual handling")
}

func TestAutoAccept_DisabledDoesNothing(t *testing.T) {
	_, ctrl := pauseTurn(t,
		transcript.ToolCall{ID: "t1", Name: "generate_image_asset", Arguments: `{}`},
	)

	est := &fakeEstimator{est: billing.Estimate{SufficientBalance: true}}
	auto := NewAutoAccept(ctrl, est, nil, time.Millisecond, testutil.NewTestLogger(t))

	resume := &captureResume{}
	<-auto.OnPending(context.Background(), resume.fn)

	assert.Empty(t, resume.calls)
	assert.Zero(t, est.calls, "no estimate is requested while disabled")
}

func TestAutoAccept_EstimateErrorLeavesPending(t *testing.T) {
	_, ctrl := pauseTurn(t,
		transcript.ToolCall{ID: "t1", Name: "generate_image_asset", Arguments: `{}`},
	)

	est := &fakeEstimator{err: errors.New("estimate service down")}
	auto := NewAutoAccept(ctrl, est, nil, time.Millisecond, testutil.NewTestLogger(t))
	auto.Enable()

	resume := &captureResume{}
	<-auto.OnPending(context.Background(), resume.fn)

	assert.Empty(t, resume.calls)
	assert.True(t, auto.Enabled(), "an estimate failure is not a balance failure")
	_, ok := ctrl.Pending()
	assert.True(t, ok)
}

func TestAutoAccept_StaleEstimateDefersToManual(t *testing.T) {
	_, ctrl := pauseTurn(t,
		transcript.ToolCall{ID: "t1", Name: "generate_image_asset", Arguments: `{"prompt":"x"}`},
	)

	est := &fakeEstimator{
		est:     billing.Estimate{EstimatedCost: 1, Balance: 10, SufficientBalance: true},
		release: make(chan struct{}),
	}
	auto := NewAutoAccept(ctrl, est, nil, 10*time.Millisecond, testutil.NewTestLogger(t))
	auto.Enable()

	resume := &captureResume{}
	done := auto.OnPending(context.Background(), resume.fn)

	// Edit the batch while the estimate is still in flight, then let the
	// gate proceed. The fingerprint no longer matches what was priced.
	require.NoError(t, ctrl.EditParams("t1", json.RawMessage(`{"prompt":"y"}`)))
	close(est.release)
	<-done

	assert.Empty(t, resume.calls, "a stale estimate must never be acted on")
	_, ok := ctrl.Pending()
	assert.True(t, ok)
}

func TestAutoAccept_CancelPendingPreempts(t *testing.T) {
	_, ctrl := pauseTurn(t,
		transcript.ToolCall{ID: "t1", Name: "generate_image_asset", Arguments: `{}`},
	)

	est := &fakeEstimator{
		est:     billing.Estimate{SufficientBalance: true},
		release: make(chan struct{}),
	}
	auto := NewAutoAccept(ctrl, est, nil, time.Minute, testutil.NewTestLogger(t))
	auto.Enable()

	resume := &captureResume{}
	done := auto.OnPending(context.Background(), resume.fn)
	close(est.release)
	auto.CancelPending()
	<-done

	assert.Empty(t, resume.calls)
	assert.True(t, auto.Enabled(), "cancel does not flip the flag")
}

func TestAutoAccept_OnTurnCompleteClearsFlag(t *testing.T) {
	store := transcript.NewStore(testutil.NewTestLogger(t))
	ctrl := NewController(store, testRegistry(), testutil.NewTestLogger(t))
	auto := NewAutoAccept(ctrl, &fakeEstimator{}, nil, time.Millisecond, testutil.NewTestLogger(t))

	auto.Enable()
	require.True(t, auto.Enabled())
	auto.OnTurnComplete()
	assert.False(t, auto.Enabled())
}

func TestAutoAccept_PolicyDeclines(t *testing.T) {
	_, ctrl := pauseTurn(t,
		transcript.ToolCall{ID: "t1", Name: "update_scene", Arguments: `{"sceneId":"s1"}`},
	)

	policy, err := CompilePolicy(`category != "project"`)
	require.NoError(t, err)

	est := &fakeEstimator{est: billing.Estimate{EstimatedCost: 1, Balance: 10, SufficientBalance: true}}
	auto := NewAutoAccept(ctrl, est, policy, time.Millisecond, testutil.NewTestLogger(t))
	auto.Enable()

	resume := &captureResume{}
	<-auto.OnPending(context.Background(), resume.fn)

	assert.Empty(t, resume.calls)
	assert.True(t, auto.Enabled(), "a policy decline defers to manual handling")
	_, ok := ctrl.Pending()
	assert.True(t, ok)
}

func TestAutoAccept_PolicyAllows(t *testing.T) {
	_, ctrl := pauseTurn(t,
		transcript.ToolCall{ID: "t1", Name: "generate_image_asset", Arguments: `{"prompt":"x"}`},
	)

	policy, err := CompilePolicy(`category == "media" && estimated_cost < 5.0`)
	require.NoError(t, err)

	est := &fakeEstimator{est: billing.Estimate{EstimatedCost: 2, Balance: 10, SufficientBalance: true}}
	auto := NewAutoAccept(ctrl, est, policy, time.Millisecond, testutil.NewTestLogger(t))
	auto.Enable()

	resume := &captureResume{}
	<-auto.OnPending(context.Background(), resume.fn)

	require.Len(t, resume.calls, 1)
	assert.True(t, resume.calls[0].Approved)
}
