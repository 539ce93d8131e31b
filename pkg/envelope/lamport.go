package envelope

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// LamportPersister durably records the current clock value, using the same
// write-temp-then-rename pattern as pkg/artifacts.FileStore so a crash
// mid-flush never leaves a truncated or torn value on disk.
type LamportPersister interface {
	Persist(value uint64) error
	Load() (uint64, error)
}

// FileLamportPersister is a file-backed LamportPersister.
type FileLamportPersister struct {
	path string
}

// NewFileLamportPersister returns a persister writing to path.
func NewFileLamportPersister(path string) *FileLamportPersister {
	return &FileLamportPersister{path: path}
}

func (p *FileLamportPersister) Persist(value uint64) error {
	tmp := p.path + ".tmp"
	data := fmt.Sprintf("%d", value)
	//nolint:gosec // G306: readable clock checkpoint file
	if err := os.WriteFile(tmp, []byte(data), 0644); err != nil {
		return fmt.Errorf("lamport: write failed: %w", err)
	}
	f, err := os.OpenFile(tmp, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("lamport: reopen for fsync failed: %w", err)
	}
	syncErr := f.Sync()
	_ = f.Close()
	if syncErr != nil {
		return fmt.Errorf("lamport: fsync failed: %w", syncErr)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("lamport: commit failed: %w", err)
	}
	return nil
}

func (p *FileLamportPersister) Load() (uint64, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lamport: read failed: %w", err)
	}
	var value uint64
	if _, err := fmt.Sscanf(string(data), "%d", &value); err != nil {
		return 0, fmt.Errorf("lamport: corrupt checkpoint: %w", err)
	}
	return value, nil
}

// Clock is a batched, crash-recoverable Lamport clock: fsync is
// amortized to at most every N ticks or T ms, and on recovery the persisted
// value is bumped by a safety margin to clear any in-flight ticks lost
// since the last flush.
type Clock struct {
	mu          sync.Mutex
	value       uint64
	persister   LamportPersister
	sinceFlush  int
	flushEveryN int
	flushEveryT time.Duration
	lastFlush   time.Time
	now         func() time.Time
}

// NewClock loads the persisted value (bumped by safetyMargin) and returns a
// ready-to-use Clock.
func NewClock(persister LamportPersister, flushEveryN int, flushEveryT time.Duration, safetyMargin uint64) (*Clock, error) {
	persisted, err := persister.Load()
	if err != nil {
		return nil, err
	}
	c := &Clock{
		value:       persisted + safetyMargin,
		persister:   persister,
		flushEveryN: flushEveryN,
		flushEveryT: flushEveryT,
		lastFlush:   time.Now(),
		now:         time.Now,
	}
	return c, nil
}

// Tick advances the clock on send: L ← L+1, stamps and returns the new value.
func (c *Clock) Tick() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value, c.maybeFlushLocked()
}

// Observe advances the clock on receive: L ← max(L, received) + 1.
func (c *Clock) Observe(received uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.value {
		c.value = received
	}
	c.value++
	return c.value, c.maybeFlushLocked()
}

// Value returns the current clock value without advancing it.
func (c *Clock) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Flush forces a persist regardless of the batching thresholds.
func (c *Clock) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Clock) maybeFlushLocked() error {
	c.sinceFlush++
	if c.sinceFlush >= c.flushEveryN || c.now().Sub(c.lastFlush) >= c.flushEveryT {
		return c.flushLocked()
	}
	return nil
}

func (c *Clock) flushLocked() error {
	if err := c.persister.Persist(c.value); err != nil {
		return err
	}
	c.sinceFlush = 0
	c.lastFlush = c.now()
	return nil
}
