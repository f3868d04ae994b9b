package protocol

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore implements RegistrationStore without persistence.
type InMemoryStore struct {
	mu   sync.Mutex
	regs map[string][]StoredRegistration
}

// NewInMemoryStore creates an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		regs: make(map[string][]StoredRegistration),
	}
}

// SaveRegistration stores a registration in memory.
func (s *InMemoryStore) SaveRegistration(_ context.Context, reg StoredRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.regs[reg.Namespace] {
		if r.Group == reg.Group && r.PubKey == reg.PubKey {
			s.regs[reg.Namespace][i] = reg
			return nil
		}
	}
	s.regs[reg.Namespace] = append(s.regs[reg.Namespace], reg)
	return nil
}

// LoadRegistrations returns the registrations of a namespace ordered by group and index.
func (s *InMemoryStore) LoadRegistrations(_ context.Context, namespace string) ([]StoredRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := append([]StoredRegistration(nil), s.regs[namespace]...)
	sort.Slice(res, func(i, j int) bool {
		if res[i].Group != res[j].Group {
			return res[i].Group < res[j].Group
		}
		return res[i].Index < res[j].Index
	})
	return res, nil
}

// DeleteNamespace removes a namespace's registrations.
func (s *InMemoryStore) DeleteNamespace(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.regs, namespace)
	return nil
}
