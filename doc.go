// Package wasivirt documents the wasi-virt module, a generator of WASI
// virtualization adapters.
//
// An adapter is a core WebAssembly module that exports the WASI interfaces
// a component imports and decides, per subsystem, whether each call is
// denied, forwarded to the host, or served from state embedded at
// generation time. Composing the adapter with a component yields a
// component whose capabilities are exactly those the policy grants.
//
// # Layout
//
//	policy/      Policy model, builders and policy files
//	vfs/         Materializes Virtualize entries into the embedded tree
//	state/       Versioned adapter state codec and module splicing
//	wasm/        Core module section reader and writer
//	component/   Import and export sets of component binaries
//	reduce/      Drops subsystems the target does not import
//	compose/     Version checks and wasm-tools delegation
//	adapter/     Run-time behavior of every subsystem
//	resource/    Handle tables for adapter resources
//	errors/      Structured errors and traps
//	virt/        Builder and the generation pipeline
//	cmd/wasi-virt/
//
// # Quick Start
//
//	res, err := virt.New(template).
//		Deny(policy.Sockets, policy.HTTP).
//		Compose(target).
//		Finish(ctx)
//
// The command line does the same from flags or a policy file:
//
//	wasi-virt app.wasm -o app.virt.wasm --mount /etc/app=./config --allow-stdio
package wasivirt
