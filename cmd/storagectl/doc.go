// Package main (cmd/storagectl) is the command-line client and server for
// leasestore backends.
//
// Every command reads the YAML configuration named by --config. --location
// replaces the configured backend with one parsed from a URI and --tier
// replaces the deployment tier, so the same lock settings can be pointed at
// different media:
//
//	storagectl --config dev.yaml put --file report.json reports/2024/q1
//	storagectl --config dev.yaml get reports/2024/q1
//	storagectl --config dev.yaml ls reports/
//	storagectl --config prod.yaml --location 's3://reports-archive?region=eu-west-1' ls
//
// The lock command acquires a lease, prints it as JSON, keeps it renewed for
// --hold and releases it. put and rm take --lock to run under a lease:
//
//	storagectl --config prod.yaml put --lock reports --file q1.json reports/2024/q1
//
// serve exposes the backend over HTTP together with /livez, /readyz, the
// drain endpoints and, unless --monitor=false, /metrics, /api/stats and
// /api/advice. It stops on SIGINT or SIGTERM after draining for
// --drain-seconds. Traces go to --otlp-endpoint when one is set.
package main
