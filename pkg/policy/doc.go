// Package policy admits resource submissions with Open Policy Agent.
//
// Every policy is a Rego module in package odc.submit contributing to the
// deny set. The engine evaluates data.odc.submit.deny with the submission as
// input and the configured limits as data.odc.limits:
//
//	input.submission.rms          resource manager plugin
//	input.submission.instances    groups requested
//	input.submission.slots        slots per group
//	input.submission.total        instances × slots
//	data.odc.limits.max_workers   cap on total, 0 disables it
//	data.odc.limits.allowed_rms   accepted plugins, empty accepts any
//
// A deny entry is either a message string or an object with message, policy
// and severity. Only error severity blocks; anything else is logged.
//
// Built-in policies cap total workers, restrict plugins and warn about
// configuration files the localhost plugin ignores. Extra policies are loaded
// from .rego or .json files and can be watched for changes:
//
//	eng, err := policy.NewEngine(logger, policy.WithLimits(policy.Limits{MaxWorkers: 512}))
//	if err != nil {
//	    return err
//	}
//	if err := eng.Watch(ctx, []string{"/etc/odc/policies"}); err != nil {
//	    return err
//	}
//
// Engine implements rms.Admitter.
package policy
