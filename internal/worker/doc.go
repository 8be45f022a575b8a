// Package worker implements the computing end of the grid: a process that
// connects to the coordinator, advertises the plugins it has installed and
// runs one fragment at a time.
//
// Protocol as seen from the worker:
//
//	worker                         coordinator
//	  │── HELLO {worker,plugins} ──▶│
//	  │◀──────────── READY ─────────│
//	  │◀──── WORKING <fragment> ────│
//	  │── WORKING ──▶ (or UNABLE <bin> when the plugin is missing)
//	  │        ... plugin runs ...  │
//	  │── DONE <fragment+result> ──▶│  (or ABORT <reason> on failure)
//	  │◀──── ABORT <fragment_id> ───│  coordinator withdrew the fragment
//	  │── READY ───────────────────▶│  keepalive while idle
//
// A result computed for a fragment the coordinator has already withdrawn is
// discarded.
package worker
