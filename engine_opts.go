package helio

import (
	"log/slog"
	"time"
)

type EngineOption func(engine *Engine)

func WithEngineTxManager(txManager TxManager) EngineOption {
	return func(engine *Engine) {
		engine.txManager = txManager
	}
}

func WithEngineRegistry(registry *Registry) EngineOption {
	return func(engine *Engine) {
		engine.registry = registry
	}
}

func WithEnginePluginManager(pluginManager *PluginManager) EngineOption {
	return func(engine *Engine) {
		engine.pluginManager = pluginManager
	}
}

func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func WithEngineNotifier(notifier Notifier) EngineOption {
	return func(engine *Engine) {
		engine.notifier = notifier
	}
}

func WithEngineRetryPolicy(policy RetryPolicy) EngineOption {
	return func(engine *Engine) {
		engine.retryPolicy = policy
	}
}

// WithEngineRedactor sets the redactor applied to execution record snapshots.
func WithEngineRedactor(redactor *Redactor) EngineOption {
	return func(engine *Engine) {
		engine.redactor = redactor
	}
}

// WithEngineNodeTimeout sets the timeout used when neither the node nor its capability declares one.
func WithEngineNodeTimeout(timeout time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.nodeTimeout = timeout
	}
}

// WithEngineClaimTTL sets the base claim on a dequeued item. Once the node is
// resolved the claim is extended by its timeout and the lease wait; a claim
// that runs out may be taken over by another worker.
func WithEngineClaimTTL(ttl time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.claimTTL = ttl
	}
}

func WithEngineLeaseTTL(ttl time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.leaseTTL = ttl
	}
}

// WithEngineLeaseWait bounds how long a commit waits for the instance lease.
func WithEngineLeaseWait(wait time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.leaseWait = wait
	}
}
