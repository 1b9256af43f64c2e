// Package resource provides the descriptor table shared by files, devices
// and sockets.
//
// Handles are small non-negative integers. Allocation always returns the
// smallest free handle in the requested range, which gives POSIX descriptor
// reuse semantics:
//
//	table := resource.NewTable[*Stream](4096)
//
//	fd, err := table.Insert(stream)         // smallest free fd
//	fd, err = table.InsertRange(s, 10, 20)  // smallest free fd >= 10
//
//	stream, ok := table.Get(fd)
//	stream, ok = table.Remove(fd)
//
// # Observers
//
// Register observers to track descriptor lifecycle events:
//
//	table.Subscribe(resource.ObserverFunc(func(e resource.Event) {
//	    switch e.Type {
//	    case resource.EventCreated:
//	        log.Printf("fd %d opened", e.Handle)
//	    case resource.EventDropped:
//	        log.Printf("fd %d closed", e.Handle)
//	    }
//	}))
//
// Values are not closed automatically on Remove. The table owner runs its
// close hooks first, then removes the handle. Close drops whatever is left,
// calling Drop on values that implement Dropper.
package resource
