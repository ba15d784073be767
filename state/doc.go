// Package state encodes the configuration the adapter reads at start-up and
// embeds it into the adapter module.
//
// FromPolicy turns a materialized policy into a State: resolved strategies,
// per-subsystem settings and a breadth-first index of the virtual
// filesystem whose file contents live in a separate blob area. Encode frames
// the state as a versioned, blake3-verified payload; Splice writes that
// payload into a data segment of the adapter template and points the
// template's virt_state slot at it.
package state
