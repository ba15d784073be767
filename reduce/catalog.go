package reduce

import (
	"github.com/wippyai/wasi-virt/policy"
)

// IO is the pseudo-subsystem that provides the shared stream, poll and
// error primitives to every io-using subsystem.
const IO = "io"

// Primitive is a shared low-level I/O resource type.
type Primitive string

const (
	Streams Primitive = "streams"
	Poll    Primitive = "poll"
	Error   Primitive = "error"
)

// PrimitiveInterface maps a primitive to the interface that defines it.
var PrimitiveInterface = map[Primitive]string{
	Error:   "wasi:io/error",
	Poll:    "wasi:io/poll",
	Streams: "wasi:io/streams",
}

type ifaceDef struct {
	name  string
	funcs []string
}

var catalog = map[string][]ifaceDef{
	string(policy.Env): {
		{"wasi:cli/environment", []string{"get-environment", "get-arguments", "initial-cwd"}},
	},
	string(policy.FS): {
		{"wasi:filesystem/types", []string{
			"[method]descriptor.read-via-stream",
			"[method]descriptor.write-via-stream",
			"[method]descriptor.append-via-stream",
			"[method]descriptor.get-type",
			"[method]descriptor.stat",
			"[method]descriptor.stat-at",
			"[method]descriptor.open-at",
			"[method]descriptor.read",
			"[method]descriptor.write",
			"[method]descriptor.read-directory",
			"[method]descriptor.create-directory-at",
			"[method]descriptor.unlink-file-at",
			"[method]descriptor.remove-directory-at",
			"[method]descriptor.rename-at",
			"[method]descriptor.readlink-at",
			"[method]descriptor.metadata-hash",
			"[method]descriptor.metadata-hash-at",
			"[method]directory-entry-stream.read-directory-entry",
			"[resource-drop]descriptor",
			"[resource-drop]directory-entry-stream",
			"filesystem-error-code",
		}},
		{"wasi:filesystem/preopens", []string{"get-directories"}},
	},
	string(policy.Stdio): {
		{"wasi:cli/stdin", []string{"get-stdin"}},
		{"wasi:cli/stdout", []string{"get-stdout"}},
		{"wasi:cli/stderr", []string{"get-stderr"}},
		{"wasi:cli/terminal-input", []string{"[resource-drop]terminal-input"}},
		{"wasi:cli/terminal-output", []string{"[resource-drop]terminal-output"}},
		{"wasi:cli/terminal-stdin", []string{"get-terminal-stdin"}},
		{"wasi:cli/terminal-stdout", []string{"get-terminal-stdout"}},
		{"wasi:cli/terminal-stderr", []string{"get-terminal-stderr"}},
	},
	string(policy.Clocks): {
		{"wasi:clocks/wall-clock", []string{"now", "resolution"}},
		{"wasi:clocks/monotonic-clock", []string{"now", "resolution", "subscribe-instant", "subscribe-duration"}},
	},
	string(policy.Random): {
		{"wasi:random/random", []string{"get-random-bytes", "get-random-u64"}},
		{"wasi:random/insecure", []string{"get-insecure-random-bytes", "get-insecure-random-u64"}},
		{"wasi:random/insecure-seed", []string{"insecure-seed"}},
	},
	string(policy.Sockets): {
		{"wasi:sockets/network", []string{"[resource-drop]network"}},
		{"wasi:sockets/instance-network", []string{"instance-network"}},
		{"wasi:sockets/ip-name-lookup", []string{"resolve-addresses", "[method]resolve-address-stream.resolve-next-address"}},
		{"wasi:sockets/tcp", []string{
			"[method]tcp-socket.start-connect",
			"[method]tcp-socket.finish-connect",
			"[method]tcp-socket.start-bind",
			"[method]tcp-socket.finish-bind",
			"[method]tcp-socket.start-listen",
			"[method]tcp-socket.finish-listen",
			"[method]tcp-socket.accept",
			"[method]tcp-socket.subscribe",
			"[method]tcp-socket.shutdown",
			"[resource-drop]tcp-socket",
		}},
		{"wasi:sockets/tcp-create-socket", []string{"create-tcp-socket"}},
		{"wasi:sockets/udp", []string{
			"[method]udp-socket.start-bind",
			"[method]udp-socket.finish-bind",
			"[method]udp-socket.stream",
			"[method]udp-socket.subscribe",
			"[resource-drop]udp-socket",
		}},
		{"wasi:sockets/udp-create-socket", []string{"create-udp-socket"}},
	},
	string(policy.HTTP): {
		{"wasi:http/types", []string{
			"[constructor]fields",
			"[method]fields.get",
			"[method]fields.set",
			"[method]fields.entries",
			"[resource-drop]fields",
			"[constructor]outgoing-request",
			"[method]outgoing-request.set-method",
			"[method]outgoing-request.set-scheme",
			"[method]outgoing-request.set-authority",
			"[method]outgoing-request.set-path-with-query",
			"[method]outgoing-request.body",
			"[resource-drop]outgoing-request",
			"[method]outgoing-body.write",
			"[static]outgoing-body.finish",
			"[method]future-incoming-response.subscribe",
			"[method]future-incoming-response.get",
			"[resource-drop]future-incoming-response",
			"[method]incoming-response.status",
			"[method]incoming-response.headers",
			"[method]incoming-response.consume",
			"[resource-drop]incoming-response",
			"[method]incoming-body.stream",
			"[resource-drop]incoming-body",
			"http-error-code",
		}},
		{"wasi:http/outgoing-handler", []string{"handle"}},
	},
	string(policy.Exit): {
		{"wasi:cli/exit", []string{"exit"}},
	},
	IO: {
		{"wasi:io/error", []string{"[method]error.to-debug-string", "[resource-drop]error"}},
		{"wasi:io/poll", []string{"[method]pollable.ready", "[method]pollable.block", "poll", "[resource-drop]pollable"}},
		{"wasi:io/streams", []string{
			"[method]input-stream.read",
			"[method]input-stream.blocking-read",
			"[method]input-stream.skip",
			"[method]input-stream.blocking-skip",
			"[method]input-stream.subscribe",
			"[method]output-stream.check-write",
			"[method]output-stream.write",
			"[method]output-stream.blocking-write-and-flush",
			"[method]output-stream.flush",
			"[method]output-stream.blocking-flush",
			"[method]output-stream.subscribe",
			"[method]output-stream.write-zeroes",
			"[method]output-stream.blocking-write-zeroes-and-flush",
			"[method]output-stream.splice",
			"[method]output-stream.blocking-splice",
			"[resource-drop]input-stream",
			"[resource-drop]output-stream",
		}},
	},
}

// primitives is the static subsystem-to-primitive relation. Only subsystems
// that do not deny bind their primitives.
var primitives = map[policy.Subsystem][]Primitive{
	policy.FS:      {Error, Streams},
	policy.Stdio:   {Streams},
	policy.Clocks:  {Poll},
	policy.Sockets: {Error, Poll, Streams},
	policy.HTTP:    {Error, Poll, Streams},
}

// Interfaces lists the unversioned interfaces a subsystem (or IO) exports.
func Interfaces(sub string) []string {
	defs := catalog[sub]
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.name
	}
	return out
}

// Primitives lists the shared primitives sub binds when it does not deny.
func Primitives(sub policy.Subsystem) []Primitive {
	return append([]Primitive(nil), primitives[sub]...)
}

// TemplateExports returns every interface the full adapter exports for a
// WASI version, keyed by versioned interface id, with its functions.
func TemplateExports(version string) map[string][]string {
	out := make(map[string][]string)
	for _, defs := range catalog {
		for _, d := range defs {
			out[versioned(d.name, version)] = append([]string(nil), d.funcs...)
		}
	}
	return out
}

func versioned(name, version string) string {
	if version == "" {
		return name
	}
	return name + "@" + version
}
