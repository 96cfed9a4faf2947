package policy

import (
	"time"
)

// Package is the Rego package every submission policy contributes to.
const Package = "odc.submit"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		workerCapPolicy(),
		allowedRMSPolicy(),
		ignoredConfigPolicy(),
	}
}

// workerCapPolicy caps the number of workers a single submission may request.
func workerCapPolicy() Policy {
	return Policy{
		Name:        "worker-cap",
		Description: "Limits instances × slots of one submission to data.odc.limits.max_workers",
		Severity:    SeverityError,
		Enabled:     true,
		UpdatedAt:   time.Now(),
		Rego: `package odc.submit

deny contains violation if {
	limit := data.odc.limits.max_workers
	limit > 0
	input.submission.total > limit
	violation := {
		"policy": "worker-cap",
		"message": sprintf("submission requests %d workers, limit is %d", [input.submission.total, limit]),
		"severity": "error",
	}
}
`,
	}
}

// allowedRMSPolicy restricts the resource manager plugins when a list is configured.
func allowedRMSPolicy() Policy {
	return Policy{
		Name:        "allowed-rms",
		Description: "Rejects resource manager plugins outside data.odc.limits.allowed_rms",
		Severity:    SeverityError,
		Enabled:     true,
		UpdatedAt:   time.Now(),
		Rego: `package odc.submit

deny contains violation if {
	allowed := {p | some p in data.odc.limits.allowed_rms}
	count(allowed) > 0
	not allowed[input.submission.rms]
	violation := {
		"policy": "allowed-rms",
		"message": sprintf("resource manager plugin %s is not allowed", [input.submission.rms]),
		"severity": "error",
	}
}
`,
	}
}

// ignoredConfigPolicy warns when a configuration file would be ignored. It never denies.
func ignoredConfigPolicy() Policy {
	return Policy{
		Name:        "ignored-config",
		Description: "Warns when a configuration file is given for the localhost plugin, which ignores it",
		Severity:    SeverityWarning,
		Enabled:     true,
		UpdatedAt:   time.Now(),
		Rego: `package odc.submit

deny contains violation if {
	input.submission.rms == "localhost"
	input.submission.config_file != ""
	violation := {
		"policy": "ignored-config",
		"message": sprintf("configuration file %s is ignored by the localhost plugin", [input.submission.config_file]),
		"severity": "warning",
	}
}
`,
	}
}
