// Package plugin runs calculation transforms.
//
// A plugin is an executable named after the capability ("bin") it provides,
// stored in a plugins directory. The same binary serves three operations,
// chosen by its first argument:
//
//	<bin> -split   stdin: calculation envelope    stdout: JSON array of fragment envelopes
//	<bin> -join    stdin: {"calculation":...,"fragments":[...]}    stdout: result JSON
//	<bin>          stdin: fragment envelope        stdout: result JSON
//
// The coordinator uses Split and Join; workers use Run. Manager owns the
// directory itself (listing, installing and checking plugins).
package plugin
