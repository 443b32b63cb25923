package kproc

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// AddressSpace is the virtual memory of a process. The process keeps it alive
// until it is dead and then destroys it exactly once.
type AddressSpace interface {
	Destroy() error
}

// AddressSpaceAllocator creates the address space of a new process. An error
// fails process creation before the process is registered.
type AddressSpaceAllocator func(name string) (AddressSpace, error)

// memAddressSpace is an address space with no backing mappings.
type memAddressSpace struct {
	name      string
	destroyed atomic.Bool
}

// NewAddressSpace is the default AddressSpaceAllocator.
func NewAddressSpace(name string) (AddressSpace, error) {
	return &memAddressSpace{name: name}, nil
}

func (a *memAddressSpace) Destroy() error {
	if a.destroyed.Swap(true) {
		return errors.Wrapf(ErrBadState, "address space %q already destroyed", a.name)
	}
	return nil
}
