package ignition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketopp/ignition/internal/catalog"
	"github.com/rocketopp/ignition/internal/install"
	"github.com/rocketopp/ignition/internal/manifest"
)

// ErrNotActive is returned when execution is requested on an installation
// that is not in the active status. No run is created in that case.
var ErrNotActive = errors.New("installation is not active")

// Run is the aggregate result of one skill invocation.
type Run struct {
	ID             string                            `json:"run_id"`
	InstallationID string                            `json:"installation_id"`
	Success        bool                              `json:"success"`
	Error          string                            `json:"error,omitempty"`
	StartedAt      time.Time                         `json:"started_at"`
	FinishedAt     time.Time                         `json:"finished_at"`
	DurationMS     int64                             `json:"duration_ms"`
	Results        map[string]map[string]interface{} `json:"results,omitempty"`
}

// Engine executes a skill's action graph one step at a time. Steps and their
// actions run strictly sequentially; later actions may reference earlier
// outputs. One Engine is shared across requests; all per-run state lives in
// the Execute call frame and its Emitter.
type Engine struct {
	registry *Registry
	logs     LogStore
	logger   *zap.Logger
}

// NewEngine creates an execution engine.
func NewEngine(registry *Registry, logs LogStore, logger *zap.Logger) *Engine {
	return &Engine{registry: registry, logs: logs, logger: logger}
}

// Registry exposes the action registry for manifest validation at import.
func (e *Engine) Registry() *Registry { return e.registry }

// Execute runs the skill bound to inst with the given input, emitting
// progress on emitter. The log row for each action is written before the
// corresponding event is emitted, so a reader that saw a complete event sees
// a consistent log. A nil emitter buffers nothing and only the Run result is
// returned.
func (e *Engine) Execute(ctx context.Context, inst *install.Installation, skill *catalog.Skill, input map[string]interface{}, emitter *Emitter) (*Run, error) {
	if inst.Status != install.StatusActive {
		return nil, fmt.Errorf("%w: status is %s", ErrNotActive, inst.Status)
	}
	if emitter == nil {
		emitter = NewEmitter()
	}
	if input == nil {
		input = make(map[string]interface{})
	}

	m := skill.Manifest
	run := &Run{
		ID:             uuid.New().String(),
		InstallationID: inst.ID,
		StartedAt:      time.Now().UTC(),
		Results:        make(map[string]map[string]interface{}),
	}
	e.logger.Info("run started",
		zap.String("run", run.ID),
		zap.String("installation", inst.ID),
		zap.String("skill", skill.Slug))

	emitter.Emit(Event{
		Type:       EventStart,
		RunID:      run.ID,
		TotalSteps: len(m.Steps),
		Message:    fmt.Sprintf("executing %s v%s", skill.Name, skill.Version),
	})

	prior := make(map[string]map[string]interface{})
	var runErr string
	aborted := false

	for i, step := range m.Steps {
		if aborted {
			e.skipStep(ctx, run, inst.ID, step, emitter)
			continue
		}
		emitter.Emit(Event{
			Type:       EventStep,
			RunID:      run.ID,
			StepNumber: i + 1,
			TotalSteps: len(m.Steps),
			StepID:     step.ID,
			StepName:   step.Name,
		})

		for _, action := range step.Actions {
			if aborted {
				e.skipAction(ctx, run, inst.ID, action, emitter)
				continue
			}
			output, err := e.runAction(ctx, run, inst, action, input, prior, emitter)
			if err != nil {
				if action.ContinueOnError {
					emitter.Emit(Event{
						Type:     EventLog,
						RunID:    run.ID,
						ActionID: action.ID,
						Level:    "warn",
						Message:  fmt.Sprintf("action %s failed, continuing: %s", action.ID, err),
					})
					continue
				}
				runErr = err.Error()
				aborted = true
				continue
			}
			prior[action.ID] = output
			run.Results[action.ID] = output
		}
	}

	run.FinishedAt = time.Now().UTC()
	run.DurationMS = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	run.Success = !aborted
	run.Error = runErr

	if run.Success {
		emitter.Emit(Event{
			Type:       EventComplete,
			RunID:      run.ID,
			Result:     run.Results,
			DurationMS: run.DurationMS,
		})
		e.logger.Info("run completed", zap.String("run", run.ID), zap.Int64("duration_ms", run.DurationMS))
	} else {
		emitter.Emit(Event{
			Type:       EventError,
			RunID:      run.ID,
			Error:      runErr,
			DurationMS: run.DurationMS,
		})
		e.logger.Warn("run failed", zap.String("run", run.ID), zap.String("error", runErr))
	}
	return run, nil
}

// runAction executes one action with full log bookkeeping:
// pending -> running -> completed|failed, each persisted before the matching
// event goes out.
func (e *Engine) runAction(ctx context.Context, run *Run, inst *install.Installation, action manifest.Action, input map[string]interface{}, prior map[string]map[string]interface{}, emitter *Emitter) (map[string]interface{}, error) {
	handler, ok := e.registry.Get(action.Type)
	if !ok {
		// Unknown types are rejected at import; reaching here means the
		// registry changed since. Treat it as a normal action failure.
		return nil, e.failAction(ctx, run, inst.ID, action, input, fmt.Errorf("unknown action type %q", action.Type), emitter)
	}

	entry := &LogEntry{
		ID:             uuid.New().String(),
		InstallationID: inst.ID,
		RunID:          run.ID,
		ActionID:       action.ID,
		ActionType:     action.Type,
		Status:         LogPending,
		Input:          input,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.logs.InsertLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert log for %s: %w", action.ID, err)
	}

	entry.Status = LogRunning
	if err := e.logs.UpdateLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("mark log running for %s: %w", action.ID, err)
	}
	emitter.Emit(Event{
		Type:       EventAction,
		RunID:      run.ID,
		ActionID:   action.ID,
		ActionType: action.Type,
		Status:     string(LogRunning),
	})

	started := time.Now()
	result, err := handler.Run(ctx, ActionInput{
		ActionID: action.ID,
		Params:   action.Params,
		Config:   inst.Config,
		Input:    input,
		Prior:    prior,
	})
	elapsed := time.Since(started).Milliseconds()

	if err != nil {
		entry.Status = LogFailed
		entry.Error = err.Error()
		if uerr := e.logs.UpdateLog(ctx, entry); uerr != nil {
			e.logger.Error("persist failed log entry", zap.String("action", action.ID), zap.Error(uerr))
		}
		emitter.Emit(Event{
			Type:       EventAction,
			RunID:      run.ID,
			ActionID:   action.ID,
			ActionType: action.Type,
			Status:     string(LogFailed),
			Error:      err.Error(),
			DurationMS: elapsed,
		})
		return nil, err
	}

	entry.Status = LogCompleted
	entry.Output = result.Output
	if handler.Reversible() {
		entry.RevertData = result.RevertData
	}
	if uerr := e.logs.UpdateLog(ctx, entry); uerr != nil {
		e.logger.Error("persist completed log entry", zap.String("action", action.ID), zap.Error(uerr))
	}
	emitter.Emit(Event{
		Type:       EventAction,
		RunID:      run.ID,
		ActionID:   action.ID,
		ActionType: action.Type,
		Status:     string(LogCompleted),
		Result:     result.Output,
		DurationMS: elapsed,
	})
	return result.Output, nil
}

// failAction records a failure for an action that never reached its handler.
func (e *Engine) failAction(ctx context.Context, run *Run, installationID string, action manifest.Action, input map[string]interface{}, cause error, emitter *Emitter) error {
	entry := &LogEntry{
		ID:             uuid.New().String(),
		InstallationID: installationID,
		RunID:          run.ID,
		ActionID:       action.ID,
		ActionType:     action.Type,
		Status:         LogFailed,
		Input:          input,
		Error:          cause.Error(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.logs.InsertLog(ctx, entry); err != nil {
		e.logger.Error("persist failed log entry", zap.String("action", action.ID), zap.Error(err))
	}
	emitter.Emit(Event{
		Type:       EventAction,
		RunID:      run.ID,
		ActionID:   action.ID,
		ActionType: action.Type,
		Status:     string(LogFailed),
		Error:      cause.Error(),
	})
	return cause
}

func (e *Engine) skipStep(ctx context.Context, run *Run, installationID string, step manifest.Step, emitter *Emitter) {
	for _, action := range step.Actions {
		e.skipAction(ctx, run, installationID, action, emitter)
	}
}

func (e *Engine) skipAction(ctx context.Context, run *Run, installationID string, action manifest.Action, emitter *Emitter) {
	entry := &LogEntry{
		ID:             uuid.New().String(),
		InstallationID: installationID,
		RunID:          run.ID,
		ActionID:       action.ID,
		ActionType:     action.Type,
		Status:         LogSkipped,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.logs.InsertLog(ctx, entry); err != nil {
		e.logger.Error("persist skipped log entry", zap.String("action", action.ID), zap.Error(err))
	}
	emitter.Emit(Event{
		Type:       EventAction,
		RunID:      run.ID,
		ActionID:   action.ID,
		ActionType: action.Type,
		Status:     string(LogSkipped),
	})
}
