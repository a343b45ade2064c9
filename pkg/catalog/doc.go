// Package catalog loads protection groups and recovery plans from files and
// imports them into the store.
//
// Catalog files are YAML (one or more documents per file), JSON or CUE. All
// of them share one shape:
//
//	groups:
//	  - id: web
//	    servers: [s-1, s-2]
//	  - id: db
//	    servers: [s-3]
//	plans:
//	  - id: payments
//	    failure_policy: stop
//	    waves:
//	      - group: db
//	      - group: web
//	        pause_before: true
//	        depends_on: [0]
//
// CUE files are unified with a built-in schema first, so their errors carry
// file positions. Every file is then checked with struct validation and as a
// whole: IDs are unique across files, a server belongs to one group only,
// waves reference groups defined in the catalog, and each plan passes
// engine.ValidatePlan.
//
// The Importer upserts groups before plans and skips entries that match what
// is stored. Loader.Watch re-imports on file changes.
package catalog
