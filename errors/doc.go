// Package errors provides structured error types for the virtualization pipeline.
//
// Errors are categorized by Phase (which pipeline stage failed) and Kind (error
// category). Generation-time failures are fatal for the whole run:
//
//   - KindConfig: malformed or contradictory policy
//   - KindFilesystemResolution: a Virtualize path could not be read
//   - ReductionConflictError: the allow set excludes a subsystem that coupling requires
//   - KindComposition: the linker rejected the pair, or interface versions disagree
//
// Run-time failures inside the produced adapter are reported as *Trap.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseConfig, errors.KindConfig).
//		Subsystem("env").
//		Detail("duplicate override %q", "HOME").
//		Build()
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
