package utils

import (
	"sync"
)

// OptionalMutex is a mutex that does nothing when UseMutex is false, for allocators that are
// synchronized by their consumer
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
