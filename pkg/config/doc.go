// Package config loads the devfleet YAML configuration.
//
// Loading happens in four steps:
//
//  1. Default() supplies every value.
//  2. The raw document is checked against an embedded CUE schema, which
//     rejects unknown keys, wrong types and invalid enum values with the
//     offending path.
//  3. The document is decoded over the defaults and DEVFLEET_TRANSPORT,
//     DEVFLEET_ADB_PATH, DEVFLEET_LOG_LEVEL and DEVFLEET_STORE_PATH are
//     applied.
//  4. Struct tags (validator) and cross-field rules are checked.
//
// # Example
//
//	transport: ssh
//	hosts:
//	  - id: rpi-1
//	    address: 10.0.0.21
//	    user: pi
//	    private_key_path: /etc/devfleet/keys/lab
//	retry:
//	  max_retries: 5
//	  initial_delay: 500ms
//	command_timeout: 20s
//	transfer_timeout: 10m
//	cache:
//	  version_ttl: 1h
//	dispatch:
//	  max_parallel: 4
//	store:
//	  path: /var/lib/devfleet/history.db
//	policy:
//	  enabled: true
//	  paths: [/etc/devfleet/policies]
//	telemetry:
//	  logging:
//	    level: debug
//
// All errors are orchestrator configuration errors.
package config
