// Package runtime runs an adapter module under wazero.
//
// Instantiate reads the state spliced into the module, binds it with the
// adapter package and serves every function the module imports from those
// bindings. Go entry points are lowered to the flat core signature the
// component model uses: scalars map to one core value each, strings and
// byte lists travel as pointer and length, and results that do not fit in
// one core value are written through a return pointer. Imports with no
// binding, or whose binding cannot be lowered to the declared signature,
// are served by a stub that traps when called.
//
//	inst, err := runtime.Instantiate(ctx, module, runtime.WithHost(host))
//	if err != nil {
//		return err
//	}
//	defer inst.Close(ctx)
//	out, err := inst.Call(ctx, "wasi:random/random@0.2.3#get-random-u64")
package runtime
