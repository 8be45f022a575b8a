// Package wire implements the framing used between the coordinator and its
// workers.
//
// # Frame Layout
//
// Every message on a worker connection is a single frame:
//
//	┌──────────────────┬───────────┬─────────────────────┐
//	│ length (4 bytes) │ command   │ payload             │
//	│ uint32, BE       │ (1 byte)  │ (length - 1 bytes)  │
//	└──────────────────┴───────────┴─────────────────────┘
//
// The length counts every byte after itself, so the smallest valid frame has
// length 1 (a command with an empty payload). Frames whose length exceeds the
// configured maximum are refused on both sides: Encode returns
// ErrFrameTooLarge without producing any bytes, and the Decoder reports
// ErrFrameTooLarge as soon as the offending header arrives, before any of the
// payload is handed to the caller.
//
// # Incremental Decoding
//
// Decoder accepts bytes in whatever chunks the transport delivers them and
// emits complete frames only. A header split across reads, or a payload that
// arrives a few bytes at a time, produces exactly the same frames as a single
// read of the whole stream.
//
// The package knows nothing about what the commands mean; the session state
// machine assigns their semantics.
package wire
