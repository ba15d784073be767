// Package resource provides the handle table the adapter uses for the
// resources it hands to a guest: streams, pollables, descriptors, sockets
// and HTTP objects.
//
// Handles are small integers; 0 is never valid. Each entry records its
// Kind so a handle of one type cannot be used as another:
//
//	table := resource.NewTable()
//	h := table.Insert(resource.KindInputStream, stream)
//	s, ok := resource.Lookup[io.InputStream](table, h, resource.KindInputStream)
//
// Values implementing Dropper are released when their handle is removed or
// the table is closed. Observers see every create and drop and are used
// for call tracing in debug adapters.
package resource
