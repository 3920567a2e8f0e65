package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that does nothing when UseMutex is false
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

// OptionalLocker locks an externally-provided sync.Locker, if there is one
type OptionalLocker struct {
	Locker sync.Locker
}

func (l OptionalLocker) Lock() {
	if l.Locker != nil {
		l.Locker.Lock()
	}
}

func (l OptionalLocker) Unlock() {
	if l.Locker != nil {
		l.Locker.Unlock()
	}
}
