// Package lock serializes work on one aggregate at a time. Keys name the
// aggregate, e.g. "sale:<id>".
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotObtained = errors.New("lock not obtained")

type Locker interface {
	Obtain(ctx context.Context, key string) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

func RegisterKey(registerID string) string { return "register:" + registerID }
func SessionKey(sessionID string) string   { return "session:" + sessionID }
func SaleKey(saleID string) string         { return "sale:" + saleID }
func QuoteKey(quoteID string) string       { return "quote:" + quoteID }

// LocalLocker is an in-process keyed mutex. It is enough for a single
// instance; multi-instance deployments use RedisLocker.
type LocalLocker struct {
	wait time.Duration

	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	slot chan struct{}
	refs int
}

// NewLocalLocker returns a locker that gives up after wait. A zero wait
// blocks until the context is done.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{wait: wait, entries: make(map[string]*localEntry)}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{slot: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case entry.slot <- struct{}{}:
		return &localLease{locker: l, key: key, entry: entry}, nil
	case <-ctx.Done():
		l.drop(key, entry)
		return nil, errors.Join(ErrNotObtained, ctx.Err())
	case <-timeout:
		l.drop(key, entry)
		return nil, ErrNotObtained
	}
}

func (l *LocalLocker) drop(key string, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

type localLease struct {
	locker *LocalLocker
	key    string
	entry  *localEntry
	once   sync.Once
}

func (l *localLease) Release(_ context.Context) error {
	l.once.Do(func() {
		<-l.entry.slot
		l.locker.drop(l.key, l.entry)
	})
	return nil
}
