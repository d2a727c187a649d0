package failover

import (
	"context"
	"sync"
	"time"

	"github.com/dsrlabs/bastion/pkg/clock"
	"github.com/dsrlabs/bastion/pkg/events"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
	"github.com/dsrlabs/bastion/pkg/storage"
	"github.com/dsrlabs/bastion/pkg/types"
)

// Config holds failover engine timeouts and history bounds
type Config struct {
	// StepTimeout bounds one step's Apply or Revert
	StepTimeout time.Duration

	// SequenceTimeout bounds the whole sequence including verification
	SequenceTimeout time.Duration

	// HistoryCap bounds the in-memory execution history
	HistoryCap int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		StepTimeout:     2 * time.Minute,
		SequenceTimeout: 10 * time.Minute,
		HistoryCap:      100,
	}
}

// Engine executes failover sequences step by step, verifies the target
// and rolls back on failure. Any path out of IN_PROGRESS goes through
// either verification or rollback.
type Engine struct {
	config   Config
	clock    clock.Clock
	store    storage.Store
	broker   *events.Broker
	verifier Verifier

	mu       sync.Mutex
	adapters map[types.FailoverStepType]StepAdapter
	history  []*types.FailoverExecution
}

// NewEngine creates a failover engine
func NewEngine(cfg Config, clk clock.Clock, store storage.Store, broker *events.Broker) *Engine {
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.SequenceTimeout == 0 {
		cfg.SequenceTimeout = DefaultConfig().SequenceTimeout
	}
	if cfg.HistoryCap == 0 {
		cfg.HistoryCap = DefaultConfig().HistoryCap
	}
	return &Engine{
		config:   cfg,
		clock:    clk,
		store:    store,
		broker:   broker,
		adapters: make(map[types.FailoverStepType]StepAdapter),
	}
}

// RegisterAdapter binds a step type to its adapter
func (e *Engine) RegisterAdapter(stepType types.FailoverStepType, adapter StepAdapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[stepType] = adapter
}

// SetVerifier installs the post-sequence verification pass
func (e *Engine) SetVerifier(v Verifier) {
	e.verifier = v
}

// Execute runs one failover sequence. The returned execution is always
// recorded, whatever its final status.
func (e *Engine) Execute(ctx context.Context, sequence *types.FailoverSequence) (*types.FailoverExecution, error) {
	if sequence == nil || len(sequence.Steps) == 0 {
		return nil, types.E(types.KindValidation, "failover sequence has no steps")
	}
	if sequence.SourceSite == "" || sequence.TargetSite == "" {
		return nil, types.E(types.KindValidation, "failover sequence requires source and target sites")
	}
	e.mu.Lock()
	for _, step := range sequence.Steps {
		if _, ok := e.adapters[step.Type]; !ok {
			e.mu.Unlock()
			return nil, types.E(types.KindValidation, "no adapter registered for step type %s", step.Type)
		}
	}
	e.mu.Unlock()

	exec := &types.FailoverExecution{
		ID:         clock.NewID(),
		SequenceID: sequence.ID,
		SourceSite: sequence.SourceSite,
		TargetSite: sequence.TargetSite,
		StartTime:  e.clock.WallNow(),
		Status:     types.FailoverInProgress,
	}

	log.WithComponent("failover").Info().
		Str("execution_id", exec.ID).
		Str("source", sequence.SourceSite).
		Str("target", sequence.TargetSite).
		Int("steps", len(sequence.Steps)).
		Msg("failover started")
	e.publish(events.EventFailoverStarted, exec, "")

	seqCtx, cancel := context.WithTimeout(ctx, e.config.SequenceTimeout)
	defer cancel()

	failure := e.runSteps(seqCtx, sequence, exec)
	if failure == "" && e.verifier != nil {
		if err := e.verifier.VerifyTarget(seqCtx, sequence); err != nil {
			failure = "verification failed: " + err.Error()
		}
	}

	if failure == "" {
		exec.Status = types.FailoverCompleted
		exec.EndTime = e.clock.WallNow()
		e.finish(exec, events.EventFailoverCompleted)
		return exec, nil
	}

	exec.Status = types.FailoverFailed
	exec.Reason = failure
	log.WithComponent("failover").Error().
		Str("execution_id", exec.ID).
		Str("reason", failure).
		Msg("failover failed, rolling back")

	if e.rollback(ctx, exec) {
		exec.Status = types.FailoverRolledBack
		exec.EndTime = e.clock.WallNow()
		e.finish(exec, events.EventFailoverRolledBack)
		return exec, nil
	}

	exec.EndTime = e.clock.WallNow()
	e.finish(exec, events.EventFailoverFailed)
	return exec, nil
}

// runSteps applies the steps in order. Returns the failure reason, or
// empty when every critical step succeeded.
func (e *Engine) runSteps(ctx context.Context, sequence *types.FailoverSequence, exec *types.FailoverExecution) string {
	for _, step := range sequence.Steps {
		if err := ctx.Err(); err != nil {
			return "sequence aborted: " + err.Error()
		}

		e.mu.Lock()
		adapter := e.adapters[step.Type]
		e.mu.Unlock()

		stepCtx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
		start := e.clock.Now()
		err := adapter.Apply(stepCtx, step)
		cancel()

		result := types.StepResult{
			Step:     step,
			Success:  err == nil,
			Duration: e.clock.Now().Sub(start),
		}
		if err != nil {
			result.Error = err.Error()
		}
		exec.Steps = append(exec.Steps, result)

		log.WithComponent("failover").Info().
			Str("execution_id", exec.ID).
			Str("step", step.Name).
			Str("type", string(step.Type)).
			Bool("success", err == nil).
			Msg("failover step")

		if err != nil && step.Critical {
			return "critical step " + step.Name + " failed: " + err.Error()
		}
	}
	return ""
}

// rollback reverts completed reversible steps in reverse order. Returns
// true when every attempted revert succeeded; irreversible steps are
// skipped and marked.
func (e *Engine) rollback(ctx context.Context, exec *types.FailoverExecution) bool {
	ok := true
	for i := len(exec.Steps) - 1; i >= 0; i-- {
		result := &exec.Steps[i]
		if !result.Success {
			continue
		}

		e.mu.Lock()
		adapter := e.adapters[result.Step.Type]
		e.mu.Unlock()

		if !adapter.Reversible() {
			result.RollbackSkipped = true
			continue
		}

		// Rollback uses a fresh timeout: the sequence deadline may
		// already be spent and the system must still come back
		stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.StepTimeout)
		err := adapter.Revert(stepCtx, result.Step)
		cancel()

		if err != nil {
			ok = false
			log.WithComponent("failover").Error().Err(err).
				Str("execution_id", exec.ID).
				Str("step", result.Step.Name).
				Msg("rollback step failed")
			continue
		}
		result.RolledBack = true
	}
	return ok
}

// finish records the execution in history, storage and telemetry
func (e *Engine) finish(exec *types.FailoverExecution, eventType events.EventType) {
	e.mu.Lock()
	e.history = append(e.history, exec)
	if len(e.history) > e.config.HistoryCap {
		e.history = e.history[len(e.history)-e.config.HistoryCap:]
	}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.AppendFailover(exec); err != nil {
			log.WithComponent("failover").Warn().Err(err).
				Str("execution_id", exec.ID).
				Msg("failed to persist failover execution")
		}
	}

	metrics.FailoversTotal.WithLabelValues(string(exec.Status)).Inc()
	e.publish(eventType, exec, exec.Reason)

	log.WithComponent("failover").Info().
		Str("execution_id", exec.ID).
		Str("status", string(exec.Status)).
		Msg("failover finished")
}

func (e *Engine) publish(eventType events.EventType, exec *types.FailoverExecution, reason string) {
	if e.broker == nil {
		return
	}
	metadata := map[string]string{
		"execution_id": exec.ID,
		"source":       exec.SourceSite,
		"target":       exec.TargetSite,
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	e.broker.Publish(&events.Event{
		ID:       clock.NewID(),
		Type:     eventType,
		Message:  string(eventType) + ": " + exec.SourceSite + " -> " + exec.TargetSite,
		Metadata: metadata,
	})
}

// History returns recorded executions, oldest first
func (e *Engine) History() []*types.FailoverExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.FailoverExecution, len(e.history))
	copy(out, e.history)
	return out
}

// Get returns one persisted execution by ID
func (e *Engine) Get(id string) (*types.FailoverExecution, error) {
	if e.store == nil {
		return nil, types.E(types.KindNotFound, "failover execution not found: %s", id)
	}
	return e.store.GetFailover(id)
}

// StandardSequence builds the canonical site failover: database,
// load balancer and health check are critical; notification closes out.
func StandardSequence(sourceSite, targetSite string, automatic bool) *types.FailoverSequence {
	return &types.FailoverSequence{
		ID:         clock.NewID(),
		SourceSite: sourceSite,
		TargetSite: targetSite,
		Automatic:  automatic,
		Steps: []types.FailoverStep{
			{Name: "promote-database", Type: types.StepDatabaseFailover, Critical: true},
			{Name: "update-load-balancer", Type: types.StepLoadBalancerUpdate, Critical: true},
			{Name: "update-dns", Type: types.StepDNSUpdate},
			{Name: "update-configuration", Type: types.StepConfigurationUpdate},
			{Name: "restart-services", Type: types.StepServiceRestart},
			{Name: "verify-health", Type: types.StepHealthCheck, Critical: true},
			{Name: "notify-operators", Type: types.StepNotification},
		},
	}
}
