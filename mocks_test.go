package kproc

import (
	"sync"

	"github.com/pkg/errors"
)

type mockAspace struct {
	mu        sync.Mutex
	name      string
	destroyed int
}

func (m *mockAspace) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed++
	return nil
}

func (m *mockAspace) destroyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// mockAllocator records every address space it hands out and fails for the
// names in fail.
type mockAllocator struct {
	mu     sync.Mutex
	spaces map[string]*mockAspace
	fail   map[string]bool
}

func newMockAllocator(fail ...string) *mockAllocator {
	m := &mockAllocator{spaces: map[string]*mockAspace{}, fail: map[string]bool{}}
	for _, name := range fail {
		m.fail[name] = true
	}
	return m
}

func (m *mockAllocator) alloc(name string) (AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[name] {
		return nil, errors.Wrapf(ErrNoMemory, "mock refusing %q", name)
	}
	a := &mockAspace{name: name}
	m.spaces[name] = a
	return a, nil
}

func (m *mockAllocator) get(name string) *mockAspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spaces[name]
}

// mockPort is an ExceptionPort that records reports and can be told to fail.
type mockPort struct {
	mu      sync.Mutex
	reports []ExceptionReport
	err     error
}

func (m *mockPort) Enqueue(r ExceptionReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.reports = append(m.reports, r)
	return nil
}

func (m *mockPort) got() []ExceptionReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExceptionReport(nil), m.reports...)
}
