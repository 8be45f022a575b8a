// Package session implements the coordinator side of one worker connection.
//
// Every accepted connection gets a Session. The Session reads frames on its
// own goroutine, feeds them through a small state machine and reports what
// happened to the dispatcher as Notices on a channel:
//
//	Disconnected ──connect──▶ Waiting ──HELLO──▶ Ready ◀──────────────┐
//	                                               │                  │
//	                                         do (dispatcher)     DONE / ABORT /
//	                                               ▼              UNABLE / stop
//	                                   WorkingAboutToStart ──WORKING──▶ Working
//
// Any state falls back to Disconnected when the connection breaks. The
// transition rules live in Step, a pure function over State and Event, so
// they can be tested without a connection.
//
// The dispatcher calls StartFragment, Stop and Fail directly. Those return
// their outcome synchronously and never send on the notice channel, which
// keeps a single dispatcher goroutine from blocking on itself.
package session
