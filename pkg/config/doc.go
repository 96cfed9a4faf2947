// Package config loads the odc configuration.
//
// The file is YAML. Every field has a default, so an empty or missing file is
// valid:
//
//	control:
//	  globalTimeoutSeconds: 1800
//	  agentPollIntervalMs: 500
//	  agentPollMaxAttempts: 3600
//	  groupCapacity: 12
//	  rms: localhost
//	store:
//	  path: /var/lib/odc/odc.db
//	server:
//	  listenAddress: 127.0.0.1:8080
//	policy:
//	  maxWorkers: 1024
//	  paths: [/etc/odc/policies]
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
//
// Environment variables override the file:
//
//	ODC_TIMEOUT             control.globalTimeoutSeconds
//	ODC_POLL_INTERVAL_MS    control.agentPollIntervalMs
//	ODC_POLL_MAX_ATTEMPTS   control.agentPollMaxAttempts
//	ODC_GROUP_CAPACITY      control.groupCapacity
//	ODC_RMS                 control.rms
//	ODC_RMS_CONFIG          control.rmsConfigFile
//	ODC_DETAILED_ERRORS     control.detailedErrorCodes
//	ODC_LISTEN              server.listenAddress
//	ODC_STORE_PATH          store.path
//	ODC_MAX_WORKERS         policy.maxWorkers
//	LOG_LEVEL               telemetry.logging.level
//
// Validation uses go-playground/validator struct tags plus the telemetry
// section's own checks. Watch reloads the file on change; the serve command
// uses it to apply new control settings between commands.
package config
