package leasestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"
)

// FileLeaseStore implements Store using a local JSON file (for simple durability).
type FileLeaseStore struct {
	path  string
	mu    sync.RWMutex
	data  map[string]Lease
	clock func() time.Time // Injectable clock
}

func NewFileLeaseStore(path string) (*FileLeaseStore, error) {
	return NewFileLeaseStoreWithClock(path, time.Now)
}

func NewFileLeaseStoreWithClock(path string, clock func() time.Time) (*FileLeaseStore, error) {
	fl := &FileLeaseStore{
		path:  path,
		data:  make(map[string]Lease),
		clock: clock,
	}
	if err := fl.load(); err != nil {
		return nil, err
	}
	return fl, nil
}

func (f *FileLeaseStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		return nil // Start empty
	}

	bytes, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}

	return json.Unmarshal(bytes, &f.data)
}

func (f *FileLeaseStore) save() error {
	bytes, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, bytes, 0600)
}

func (f *FileLeaseStore) Create(ctx context.Context, lease Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.data[lease.ID]; exists {
		return errors.New("lease exists")
	}

	lease.CreatedAt = f.clock()
	lease.UpdatedAt = f.clock()
	lease.State = StatePending

	f.data[lease.ID] = lease
	return f.save()
}

func (f *FileLeaseStore) Get(ctx context.Context, id string) (Lease, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	lease, exists := f.data[id]
	if !exists {
		return Lease{}, ErrNotFound
	}
	return lease, nil
}

func (f *FileLeaseStore) AcquireLease(ctx context.Context, id, workerID string, duration time.Duration) (Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lease, exists := f.data[id]
	if !exists {
		return Lease{}, ErrNotFound
	}

	now := f.clock()
	if lease.LeasedUntil.After(now) && lease.LeasedBy != workerID {
		return lease, errors.New("locked by another worker")
	}

	lease.LeasedBy = workerID
	lease.LeasedUntil = now.Add(duration)
	lease.UpdatedAt = now
	f.data[id] = lease

	if err := f.save(); err != nil {
		return lease, err
	}
	return lease, nil
}

func (f *FileLeaseStore) UpdateState(ctx context.Context, id string, newState State, details map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lease, exists := f.data[id]
	if !exists {
		return ErrNotFound
	}

	lease.State = newState
	lease.UpdatedAt = f.clock()
	f.data[id] = lease

	return f.save()
}

func (f *FileLeaseStore) ListPending(ctx context.Context) ([]Lease, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var pending []Lease
	for _, lease := range f.data {
		// Only PENDING leases are listed; FAILED ones are not retried.
		if lease.State == StatePending {
			pending = append(pending, lease)
		}
	}
	return pending, nil
}

func (f *FileLeaseStore) ListAll(ctx context.Context) ([]Lease, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	list := make([]Lease, 0, len(f.data))
	for _, lease := range f.data {
		list = append(list, lease)
	}
	return list, nil
}
