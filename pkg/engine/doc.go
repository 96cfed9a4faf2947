// Package engine is the odc control service.
//
// # Overview
//
// A Service drives one provisioning session and the devices of the topology
// activated in it through six commands:
//
//  1. Initialize - load the topology, replace the session, submit and wait
//     for agents, activate the topology and bind its devices
//  2. ConfigureRun - InitDevice, CompleteInit, Bind, Connect, InitTask
//  3. Start - Run
//  4. Stop - Stop
//  5. Terminate - ResetTask, ResetDevice, End
//  6. Shutdown - tear the session down
//
// Every command returns exactly one Envelope:
//
//	{"status":"ok","msg":"Start done","execTimeMs":12}
//	{"status":"error","msg":"","execTimeMs":3001,"error":{"code":123,"msg":"Start failed: ..."}}
//
// # Failure propagation
//
// A command is a pipeline of stages. Each stage runs only when every earlier
// stage succeeded, so a failed session creation never submits agents and a
// failed InitDevice never issues CompleteInit. Failures are classified by
// package fault; the envelope carries the generic code 123 unless detailed
// codes are enabled.
//
// # Concurrency
//
// Commands are serialized. A caller that cannot get the command slot before
// its context ends receives a busy envelope. WithQueueContext separates that
// wait from the command itself, for callers such as an HTTP handler whose
// request may go away while the command should still finish. Status never
// waits.
//
// # Observability
//
// Each command gets a span with one child span per stage, Prometheus
// counters and histograms, events on the event bus and, when a History is
// configured, a persistent record.
//
// # Usage
//
//	svc, err := engine.New(engine.Deps{
//	    Sessions: backend,
//	    RMS:      backend,
//	    Devices:  backend,
//	}, engine.WithTelemetry(tel))
//	if err != nil {
//	    return err
//	}
//	env := svc.Initialize(ctx, engine.InitializeParams{TopologyPath: "ex.yaml"})
//	if !env.OK() {
//	    return errors.New(env.Error.Msg)
//	}
package engine
