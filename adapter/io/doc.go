// Package io implements the shared wasi:io primitives used by every
// io-backed subsystem of the adapter: input and output streams, pollables
// and error resources.
//
// Host-backed streams (ReaderStream, WriterStream) forward to Go readers
// and writers. Virtual streams (BytesStream, Empty, Discard) are always
// ready. Denied streams trap on use.
package io
