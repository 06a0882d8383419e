package datastore

import (
	"sync"
)

// RecordMutexManager hands out one mutex per record id so writes to different
// scans never contend.
type RecordMutexManager struct {
	mutexes map[string]*sync.Mutex
	mapLock sync.RWMutex
}

// NewRecordMutexManager creates a new record mutex manager
func NewRecordMutexManager() *RecordMutexManager {
	return &RecordMutexManager{
		mutexes: make(map[string]*sync.Mutex),
	}
}

// GetMutex returns the mutex guarding id
func (m *RecordMutexManager) GetMutex(id string) *sync.Mutex {
	m.mapLock.RLock()
	mutex, exists := m.mutexes[id]
	m.mapLock.RUnlock()

	if exists {
		return mutex
	}

	m.mapLock.Lock()
	defer m.mapLock.Unlock()

	// Double-check after acquiring write lock
	if mutex, exists := m.mutexes[id]; exists {
		return mutex
	}

	mutex = &sync.Mutex{}
	m.mutexes[id] = mutex
	return mutex
}

// Release drops the mutex for a record that can no longer change.
func (m *RecordMutexManager) Release(id string) {
	m.mapLock.Lock()
	delete(m.mutexes, id)
	m.mapLock.Unlock()
}

// Len returns the number of tracked mutexes.
func (m *RecordMutexManager) Len() int {
	m.mapLock.RLock()
	defer m.mapLock.RUnlock()
	return len(m.mutexes)
}
