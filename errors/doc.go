// Package errors provides structured error types for the virtual filesystem.
//
// Every error carries a Kind from a fixed taxonomy. Kinds have stable numeric
// codes (WASI errno numbering) that are handed to guests, and map to host
// errno values where the filesystem is exposed to the host kernel.
//
// Use the Builder for structured error construction:
//
//	err := errors.New("rename", errors.KindCrossDevice).
//		Path("/tmp/a").
//		Detail("target on another mount").
//		Build()
//
// Or the short constructor:
//
//	err := errors.E("open", errors.KindNotFound, "/missing")
//
// Errors compare by kind, so sentinels work with errors.Is:
//
//	if errors.Is(err, errors.ErrNotFound) { ... }
package errors
