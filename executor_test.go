package helio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registration(typ string, fn CapabilityFunc, output Schema) *Registration {
	return &Registration{Type: typ, Capability: fn, Output: output}
}

func TestExecutorClassifiesResults(t *testing.T) {
	executor := NewExecutor(time.Second, discardLogger())
	nctx := NodeContext{InstanceID: 1, NodeID: "node", Attempt: 1}

	tests := []struct {
		name    string
		fn      CapabilityFunc
		output  Schema
		kind    OutcomeKind
		errIs   error
		checkFn func(t *testing.T, outcome Outcome)
	}{
		{
			name: "success",
			fn:   returning(map[string]any{"ok": true}),
			kind: OutcomeSuccess,
			checkFn: func(t *testing.T, outcome Outcome) {
				assert.Equal(t, map[string]any{"ok": true}, outcome.Output)
			},
		},
		{
			name: "nil output becomes empty object",
			fn:   returning(nil),
			kind: OutcomeSuccess,
			checkFn: func(t *testing.T, outcome Outcome) {
				assert.NotNil(t, outcome.Output)
				assert.Empty(t, outcome.Output)
			},
		},
		{
			name:   "missing required output",
			fn:     returning(map[string]any{"other": 1}),
			output: NewSchema(Required("status", FieldString)),
			kind:   OutcomePermanent,
			errIs:  ErrPermanent,
		},
		{
			name:   "required output of wrong type",
			fn:     returning(map[string]any{"status": 200}),
			output: NewSchema(Required("status", FieldString)),
			kind:   OutcomePermanent,
			errIs:  ErrPermanent,
		},
		{
			name:   "optional output of wrong type",
			fn:     returning(map[string]any{"status": "sent", "tags": "vip"}),
			output: NewSchema(Required("status", FieldString), Optional("tags", FieldList)),
			kind:   OutcomePermanent,
			errIs:  ErrPermanent,
		},
		{
			name:   "typed outputs match",
			fn:     returning(map[string]any{"status": "sent", "attempts": 2, "tags": []any{"vip"}, "meta": nil}),
			output: NewSchema(
				Required("status", FieldString), Required("attempts", FieldNumber),
				Optional("tags", FieldList), Optional("meta", FieldObject),
			),
			kind: OutcomeSuccess,
		},
		{
			name: "unclassified error is transient",
			fn: func(context.Context, NodeContext, map[string]any) (map[string]any, error) {
				return nil, errors.New("connection reset")
			},
			kind: OutcomeTransient,
		},
		{
			name: "transient",
			fn: func(context.Context, NodeContext, map[string]any) (map[string]any, error) {
				return nil, Transient(errors.New("503"))
			},
			kind:  OutcomeTransient,
			errIs: ErrTransient,
		},
		{
			name: "permanent",
			fn: func(context.Context, NodeContext, map[string]any) (map[string]any, error) {
				return nil, Permanent(errors.New("invalid address"))
			},
			kind:  OutcomePermanent,
			errIs: ErrPermanent,
		},
		{
			name: "deadline from downstream call",
			fn: func(context.Context, NodeContext, map[string]any) (map[string]any, error) {
				return nil, context.DeadlineExceeded
			},
			kind:  OutcomeTimeout,
			errIs: ErrTimeout,
		},
		{
			name: "panic is permanent",
			fn: func(context.Context, NodeContext, map[string]any) (map[string]any, error) {
				panic("nil map")
			},
			kind:  OutcomePermanent,
			errIs: ErrPermanent,
		},
		{
			name: "pause",
			fn: func(context.Context, NodeContext, map[string]any) (map[string]any, error) {
				return nil, PauseForInput("approval-7", time.Hour)
			},
			kind: OutcomePaused,
			checkFn: func(t *testing.T, outcome Outcome) {
				assert.Equal(t, "approval-7", outcome.CorrelationKey)
				assert.Equal(t, time.Hour, outcome.PauseTimeout)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := executor.Execute(context.Background(), registration("test", tt.fn, tt.output), nctx, nil, 0)

			assert.Equal(t, tt.kind, outcome.Kind)
			if tt.errIs != nil {
				assert.ErrorIs(t, outcome.Err, tt.errIs)
			}
			if tt.kind == OutcomeSuccess {
				assert.NoError(t, outcome.Err)
			}
			assert.False(t, outcome.Started.IsZero())
			assert.GreaterOrEqual(t, outcome.Duration(), time.Duration(0))
			if tt.checkFn != nil {
				tt.checkFn(t, outcome)
			}
		})
	}
}

func TestExecutorPassesContext(t *testing.T) {
	executor := NewExecutor(0, nil)
	var seen NodeContext
	var seenInputs map[string]any
	fn := func(_ context.Context, nctx NodeContext, inputs map[string]any) (map[string]any, error) {
		seen = nctx
		seenInputs = inputs

		return nil, nil
	}

	nctx := NodeContext{InstanceID: 4, NodeID: "send", Attempt: 2, IdempotencyKey: "4:send:2"}
	outcome := executor.Execute(context.Background(), registration("test", fn, nil), nctx, map[string]any{"to": "a@b"}, 0)

	require.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, nctx, seen)
	assert.Equal(t, map[string]any{"to": "a@b"}, seenInputs)
}

func TestExecutorTimeoutAbandonsInvocation(t *testing.T) {
	executor := NewExecutor(time.Minute, discardLogger())
	release := make(chan struct{})
	defer close(release)

	stubborn := func(context.Context, NodeContext, map[string]any) (map[string]any, error) {
		<-release

		return map[string]any{"late": true}, nil
	}

	started := time.Now()
	outcome := executor.Execute(context.Background(), registration("slow", stubborn, nil),
		NodeContext{NodeID: "slow"}, nil, 20*time.Millisecond)

	assert.Equal(t, OutcomeTimeout, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrTimeout)
	assert.Less(t, time.Since(started), time.Second)
	assert.Nil(t, outcome.Output)
}

func TestExecutorTimeoutPrecedence(t *testing.T) {
	executor := NewExecutor(time.Minute, discardLogger())
	waitForCancel := func(ctx context.Context, _ NodeContext, _ map[string]any) (map[string]any, error) {
		deadline, _ := ctx.Deadline()
		<-ctx.Done()

		return map[string]any{"deadline": deadline}, ctx.Err()
	}

	reg := registration("cooperative", waitForCancel, nil)
	reg.DefaultTimeout = 20 * time.Millisecond

	started := time.Now()
	outcome := executor.Execute(context.Background(), reg, NodeContext{NodeID: "n"}, nil, 0)
	assert.Equal(t, OutcomeTimeout, outcome.Kind)
	assert.Less(t, time.Since(started), time.Second, "registration default applies without a node timeout")

	started = time.Now()
	outcome = executor.Execute(context.Background(), reg, NodeContext{NodeID: "n"}, nil, 5*time.Millisecond)
	assert.Equal(t, OutcomeTimeout, outcome.Kind)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

func TestExecutorInterruptedByCaller(t *testing.T) {
	executor := NewExecutor(time.Minute, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	fn := func(ctx context.Context, _ NodeContext, _ map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	}

	go func() {
		<-started
		cancel()
	}()

	outcome := executor.Execute(ctx, registration("test", fn, nil), NodeContext{NodeID: "n"}, nil, 0)
	assert.Equal(t, OutcomeTransient, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, context.Canceled)
}
