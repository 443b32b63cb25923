// Package kproc implements the process object of a microkernel.
//
// A Process is created through a Registry, which assigns it a kernel object
// id (koid) and keeps it findable by that id until its last reference is
// released. Each process owns a handle table, through which user code names
// kernel objects with opaque values, and a roster of threads.
//
// A process moves through four states, never backwards:
//
//	initial → running → dying → dead
//
// It becomes running when its first thread is added, dying when it is killed,
// exits, or loses its last thread, and dead once every thread has left the
// roster. Becoming dead closes every handle in its table, destroys its
// address space, fails its futex waiters and reports the exit to its
// exception port, in that order, before the dead signal is asserted.
//
// Handle values are derived from a table slot and a per-slot generation,
// mixed with random per-table parameters. A value that outlived its handle
// fails to validate rather than naming the slot's next occupant. Values are
// not predictable from, and practically never coincide with, another table's
// values, so a value presented to the wrong table almost always fails to
// validate too.
//
// Handles move between processes with TransferHandles, which detaches them
// from the source while they are being attached to the destination and puts
// them back under their original values if that fails.
package kproc
