package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/drorch/pkg/engine"
)

// Observer turns engine activity into metrics, events and log lines.
type Observer struct {
	metrics *Metrics
	events  *EventPublisher
	logger  *Logger
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an observer. Any argument may be nil.
func NewObserver(metrics *Metrics, events *EventPublisher, logger *Logger) *Observer {
	if metrics == nil {
		metrics = &Metrics{}
	}
	if events == nil {
		events = &EventPublisher{}
	}
	if logger == nil {
		logger = FromContext(context.Background())
	}
	return &Observer{metrics: metrics, events: events, logger: logger.NewComponentLogger("observer")}
}

// OnEvent implements engine.Observer.
func (o *Observer) OnEvent(ctx context.Context, exec *engine.Execution, ev engine.AuditEvent) {
	base := Event{
		Timestamp:   ev.CreatedAt,
		Source:      "engine",
		ExecutionID: exec.ID,
		PlanID:      exec.PlanID,
		WaveIndex:   ev.WaveIndex,
		From:        ev.From,
		To:          ev.To,
		Message:     ev.Message,
	}

	switch ev.Kind {
	case engine.AuditKindExecutionCreated:
		o.metrics.RecordExecutionStarted(string(exec.Type))
		base.Type = EventTypeExecutionStarted
		base.Data = map[string]interface{}{"type": string(exec.Type), "started_by": exec.StartedBy}
		o.publish(base)

	case engine.AuditKindExecutionTransition:
		base.Type = EventTypeExecutionTransition
		o.publish(base)

		to := engine.ExecutionStatus(ev.To)
		if !to.IsTerminal() {
			return
		}
		end := ev.CreatedAt
		if exec.CompletedAt != nil {
			end = *exec.CompletedAt
		}
		duration := end.Sub(exec.CreatedAt)
		o.metrics.RecordExecutionFinished(string(exec.Type), ev.To, duration)

		terminal := base
		terminal.Type = EventTypeExecutionTerminal
		if to != engine.ExecutionStatusCompleted {
			terminal.Level = EventLevelWarning
		}
		terminal.Data = map[string]interface{}{
			"duration_seconds": duration.Seconds(),
			"last_error":       exec.LastError,
		}
		o.publish(terminal)
		o.logger.WithExecutionID(exec.ID).WithPlanID(exec.PlanID).
			Infof("execution finished as %s after %s", ev.To, duration.Truncate(time.Second))

	case engine.AuditKindWaveTransition:
		if ev.To == "" {
			return
		}
		o.metrics.RecordWaveTransition(ev.To)
		base.Type = EventTypeWaveTransition
		if engine.WaveStatus(ev.To) == engine.WaveStatusFailed {
			base.Level = EventLevelError
		}
		o.publish(base)
	}
}

// OnProviderCall implements engine.Observer.
func (o *Observer) OnProviderCall(ctx context.Context, operation string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = engine.CodeOf(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	o.metrics.RecordProviderCall(operation, outcome, duration)
}

// OnStartRejected implements engine.Observer.
func (o *Observer) OnStartRejected(ctx context.Context, req engine.StartRequest, err error) {
	code := engine.CodeOf(err)
	if code == "" {
		code = engine.ErrCodeInternal
	}
	o.metrics.RecordStartRejected(code)

	switch code {
	case engine.ErrCodeServerInUse:
		o.metrics.RecordLockConflict()
	case engine.ErrCodeQuotaExceeded:
		var qv *engine.QuotaViolation
		if errors.As(err, &qv) {
			o.metrics.RecordQuotaRejection(string(qv.Rule))
		}
	}

	o.publish(Event{
		Type:    EventTypeStartRejected,
		Source:  "engine",
		PlanID:  req.PlanID,
		Message: err.Error(),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"code": code, "started_by": req.StartedBy},
	})
}

// OnTick records a dispatcher tick. Pass it to engine.WithTickHook.
func (o *Observer) OnTick(res engine.TickResult) {
	o.metrics.RecordTick(res.Executions, res.Failed, res.Duration)
}

func (o *Observer) publish(ev Event) {
	if err := o.events.Publish(ev); err != nil {
		o.logger.WithError(err).Warn("Event not published")
	}
}
