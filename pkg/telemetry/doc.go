// Package telemetry provides observability for the control service.
//
// It bundles four concerns behind one Telemetry value:
//
//  1. Structured logging with zerolog
//  2. Tracing with OpenTelemetry (OTLP gRPC or stdout exporters)
//  3. Prometheus metrics on a private registry
//  4. An event publisher for command and session events
//
// Typical setup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components take a zerolog.Logger:
//
//	sess := session.New(manager, tel.Logger.NewComponentLogger("session").Zerolog())
//
// Each command opens a span with Tracer.StartCommandSpan and each pipeline
// stage runs under Telemetry.StartStage, which records the stage span and its
// duration histogram together:
//
//	st := tel.StartStage(ctx, "Initialize", "submit")
//	err := requester.Submit(st.Ctx, req, timeout)
//	st.End(err, kind)
//
// Metrics are served by Metrics.Handler. Every Record and Set method is a
// no-op on disabled metrics, so callers never check.
package telemetry
