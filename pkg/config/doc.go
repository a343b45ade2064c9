// Package config loads the drorch service configuration.
//
// Configuration comes from, in increasing precedence: built-in defaults, a
// YAML file, DRORCH_* environment variables and command line flags bound by
// the caller. Keys are the snake_case paths of the sections, so
// dispatcher.interval is overridden by DRORCH_DISPATCHER_INTERVAL.
//
//	storage:
//	  driver: postgres
//	  url: postgres://drorch@db/drorch
//	provider:
//	  kind: drs
//	  drs:
//	    region: eu-west-1
//	quota:
//	  max_concurrent_jobs: 20
//	dispatcher:
//	  interval: 30s
//	policy:
//	  paths: [/etc/drorch/policies]
//	  watch: true
//	catalog:
//	  paths: [/etc/drorch/catalog]
//	archive:
//	  endpoint: s3.amazonaws.com
//	  bucket: dr-executions
//
// Every section embeds the configuration type of the package it drives, so
// the struct tags there are the reference for available keys.
package config
