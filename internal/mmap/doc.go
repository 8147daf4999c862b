// Package mmap provides read-only memory mapping of sealed files.
//
// Sealed segments and persisted vector indexes are never modified after
// they are renamed into place, so a shared read-only mapping can be handed
// out to readers without copying. Callers must not touch Bytes() after
// Close returns.
package mmap
