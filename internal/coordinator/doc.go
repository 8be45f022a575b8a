// Package coordinator implements the control plane of gridcalc: it accepts
// worker connections, splits submitted calculations into fragments, hands
// fragments to capable idle workers and joins their results.
//
// # Overview
//
// A calculation names a capability ("bin") and carries parameters. The
// coordinator runs the plugin's split transform to obtain fragments, queues
// them per capability, and dispatches each to one worker over the framed TCP
// protocol. When every fragment is computed, the join transform merges the
// partial results and the outcome is written to a storage.Store until the
// caller consumes it.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 COORDINATOR                  │
//	├──────────────────────────────────────────────┤
//	│                                              │
//	│  ┌────────────────────────────────────────┐  │
//	│  │   Dispatcher (single goroutine)        │  │
//	│  │   - calculations and fragment state    │  │
//	│  │   - assignment passes                  │  │
//	│  │   - requeue on UNABLE / ABORT / loss   │  │
//	│  └────────────────────────────────────────┘  │
//	│        ▲ notices              │ StartFragment │
//	│        │                      ▼ Stop / Fail   │
//	│  ┌────────────────────────────────────────┐  │
//	│  │   Sessions (one goroutine each)        │  │
//	│  └────────────────────────────────────────┘  │
//	│                                              │
//	│  ┌──────────────┐  ┌──────────────────────┐  │
//	│  │ Pool         │  │ Watchdog             │  │
//	│  │ bin → FIFO   │  │ fails stuck work     │  │
//	│  │ idle index   │  │ after work_timeout   │  │
//	│  └──────────────┘  └──────────────────────┘  │
//	└──────────────────────────────────────────────┘
//
// # Core Components
//
// Dispatcher: owns every calculation, fragment and the Pool
//   - Submit, Cancel, Get, List, Consume, Sessions and Report are safe to
//     call from any goroutine; they run as closures inside the loop
//   - Split and join run on their own goroutines and post results back
//
// Pool: pending work and idle sessions
//   - One FIFO queue per capability; requeued fragments go to the head
//   - Idle sessions are served oldest-idle-first, skipping sessions that
//     reported the capability missing
//   - Capabilities take turns, so one busy capability cannot starve another
//
// Watchdog: periodic sweep for fragments stuck with a worker
//   - Timed-out fragments go through the same path as a worker ABORT
//
// Stats: lock-free counters read by the admin API
//
// # Fragment Lifecycle
//
//	pending ──assign──▶ assigned ──WORKING──▶ running ──DONE──▶ computed
//	   ▲                   │                     │
//	   └──── UNABLE / ABORT / timeout / session lost ◀┘
//
// Each in-flight fragment has exactly one owning session. The dispatcher
// tracks the owner and ignores any notice about a fragment from a session
// that no longer owns it, so a late DONE after a cancel or a timeout is
// dropped.
//
// # Failure Handling
//
//   - UNABLE: the session never gets that capability again; the fragment
//     is requeued for other workers
//   - ABORT, timeout, disconnect: the fragment is requeued; with
//     Options.MaxAttempts set, repeated failures crash the calculation
//   - Malformed result, split or join failure: the calculation crashes
//     with a reason and is not retried
//   - No capable worker: not an error, the fragment waits in its queue
package coordinator
