// Package reduce trims a generated adapter down to what a target component
// actually imports.
//
// The adapter declares a Surface: one Entry per subsystem listing the
// interfaces it exports, the host interfaces it still imports, and the
// shared I/O primitives (streams, poll, error) it binds. Subsystems that
// bind a common primitive are coupled; a coupled group is retained or
// dropped as a unit, computed once with union-find.
//
//	surface, _ := reduce.ReadSurface(adapter)
//	plan, err := reduce.NewPlan(surface, imports, allow)
//	out, err := reduce.Apply(adapter, plan, logger)
package reduce
