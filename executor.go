package helio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const DefaultNodeTimeout = 30 * time.Second

type Outcome struct {
	Kind           OutcomeKind
	Output         map[string]any
	Err            error
	CorrelationKey string
	PauseTimeout   time.Duration
	Started        time.Time
	Finished       time.Time
}

func (o Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

// Executor invokes a single capability under a hard wall-clock timeout and
// classifies what came back.
type Executor struct {
	defaultTimeout time.Duration
	logger         *slog.Logger
}

func NewExecutor(defaultTimeout time.Duration, logger *slog.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultNodeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{defaultTimeout: defaultTimeout, logger: logger}
}

type invokeResult struct {
	output map[string]any
	err    error
}

// Execute runs the capability in its own goroutine. When the timeout fires the
// call context is cancelled and the invocation is abandoned; a capability that
// ignores cancellation keeps running in the background until it returns.
func (e *Executor) Execute(
	ctx context.Context,
	reg *Registration,
	nctx NodeContext,
	inputs map[string]any,
	timeout time.Duration,
) Outcome {
	timeout = e.timeoutFor(reg, timeout)

	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: Permanent(fmt.Errorf("capability %s panicked: %v", reg.Type, r))}
			}
		}()
		out, err := reg.Capability.Invoke(callCtx, nctx, inputs)
		done <- invokeResult{output: out, err: err}
	}()

	var outcome Outcome
	select {
	case res := <-done:
		outcome = classify(reg, res)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			outcome = Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("node %s interrupted: %w", nctx.NodeID, ctx.Err())}
		} else {
			e.logger.Warn("[helio] node timed out, abandoning invocation",
				"instance_id", nctx.InstanceID, "node_id", nctx.NodeID, "timeout", timeout)
			outcome = Outcome{Kind: OutcomeTimeout, Err: fmt.Errorf("node %s after %s: %w", nctx.NodeID, timeout, ErrTimeout)}
		}
	}

	outcome.Started = started
	outcome.Finished = time.Now()

	return outcome
}

// timeoutFor resolves the wall-clock budget of a call: the node timeout, then
// the capability default, then the executor default.
func (e *Executor) timeoutFor(reg *Registration, timeout time.Duration) time.Duration {
	if timeout <= 0 && reg != nil {
		timeout = reg.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	return timeout
}

func classify(reg *Registration, res invokeResult) Outcome {
	if res.err == nil {
		for _, field := range reg.Output {
			value, ok := res.output[field.Name]
			if !ok {
				if !field.Required {
					continue
				}

				return Outcome{
					Kind: OutcomePermanent,
					Err:  Permanent(fmt.Errorf("capability %s output misses required field %q", reg.Type, field.Name)),
				}
			}
			if got := fieldTypeOf(value); value != nil && !got.compatible(field.Type) {
				return Outcome{
					Kind: OutcomePermanent,
					Err: Permanent(fmt.Errorf("capability %s output field %q is %s, want %s",
						reg.Type, field.Name, got, field.Type)),
				}
			}
		}
		if res.output == nil {
			res.output = map[string]any{}
		}

		return Outcome{Kind: OutcomeSuccess, Output: res.output}
	}

	var pause *PauseError
	switch {
	case errors.As(res.err, &pause):
		return Outcome{Kind: OutcomePaused, CorrelationKey: pause.CorrelationKey, PauseTimeout: pause.Timeout, Err: res.err}
	case errors.Is(res.err, ErrPermanent):
		return Outcome{Kind: OutcomePermanent, Err: res.err}
	case errors.Is(res.err, context.DeadlineExceeded):
		return Outcome{Kind: OutcomeTimeout, Err: fmt.Errorf("%w: %w", ErrTimeout, res.err)}
	default:
		return Outcome{Kind: OutcomeTransient, Err: res.err}
	}
}
