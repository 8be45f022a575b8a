// Package storage keeps the outcomes of finished calculations until the
// caller that submitted them consumes the result.
//
// # Overview
//
// The dispatcher drops a calculation from memory as soon as it reaches a
// terminal state (computed, crashed or canceled). What the caller still
// needs, the result or the crash reason, is written to a Store as an
// Outcome and read back by the admin API:
//
//	┌──────────────┐  Put(outcome)  ┌──────────────┐
//	│  Dispatcher  │ ─────────────▶ │    Store     │
//	└──────────────┘                └──────────────┘
//	                                   ▲       ▲
//	             GET /calculations/{id} │       │ POST /calculations/{id}/consume
//	                              Get() │       │ Take()
//
// # Implementations
//
// MemoryStore: in-process map guarded by a sync.RWMutex
//   - No persistence; outcomes are lost on restart
//   - The default, and what the tests use
//
// RedisStore: github.com/redis/go-redis/v9
//   - Outcomes survive a coordinator restart
//   - Keys are "<prefix><calculation id>", with an optional TTL
//   - Take uses GETDEL so a result is consumed at most once
//
// # Thread Safety
//
// Every Store implementation is safe for concurrent use. MemoryStore stores
// outcomes encoded, so callers can never mutate stored data through a
// returned or passed-in Result slice.
//
// # Errors
//
// A missing id is reported as ErrKeyNotFound, wrapped with the id; compare
// with errors.Is.
package storage
