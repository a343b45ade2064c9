// Package telemetry provides observability for the orchestrator.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event bus.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.Logger.SetGlobal()
//
//	seq := engine.NewSequencer(plans, store, provider, registry, guard, cfg,
//	    engine.WithObserver(tel.Observer))
//	dispatcher := engine.NewDispatcher(store, seq, poller, dcfg,
//	    engine.WithTickHook(tel.Observer.OnTick))
//
// # Logging
//
// Engine packages log through the zerolog global logger with a component
// field. SetGlobal installs the configured writer, format and level there.
// The Logger wrapper adds execution_id, plan_id, wave and job_id fields:
//
//	tel.Logger.NewComponentLogger("cli").WithExecutionID(id).Info("Resumed")
//
// # Tracing
//
// NewTracer installs the global tracer provider. The sequencer, poller and
// provider clients create spans with otel.Tracer, so they need no handle.
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics are registered on an owned registry and served by Serve:
//
//   - executions_started_total{type}
//   - executions_finished_total{type,status}
//   - execution_duration_seconds{type,status}
//   - wave_transitions_total{to}
//   - provider_calls_total{operation,outcome}
//   - provider_call_duration_seconds{operation}
//   - start_rejections_total{code}
//   - lock_conflicts_total
//   - quota_rejections_total{rule}
//   - dispatcher_tick_duration_seconds
//   - dispatcher_tick_executions
//   - dispatcher_execution_errors_total
//
// # Events
//
// The Observer republishes persisted audit activity on the event bus as
// execution.started, execution.transition, wave.transition and
// execution.terminal events. Subscribers receive events in publish order.
package telemetry
