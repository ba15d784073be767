// Package component reads the top-level import and export lists of
// WebAssembly Component Model binaries.
//
// Only sections 10 (imports) and 11 (exports) are decoded; types, nested
// components and canonical definitions are skipped. Names that are
// interface ids are parsed with go.bytecodealliance.org/wit into
// Interface values so callers can compare interfaces by unversioned key
// and check versions separately.
package component
