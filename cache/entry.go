package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	// StatusIdle is the state of an entry before any fetch started, and of
	// entries reset by a disabled subscription or Remove.
	StatusIdle Status = iota
	// StatusLoading means a fetch is in flight. Previous data stays visible.
	StatusLoading
	// StatusSuccess means data is available. Err may still be set when a
	// later refetch failed.
	StatusSuccess
	// StatusError means every fetch so far failed and no data was resolved.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Snapshot is an immutable view of an entry at a given version.
type Snapshot struct {
	Key             Key
	Status          Status
	Data            any
	HasData         bool
	Err             error
	UpdatedAt       time.Time
	ErrorUpdatedAt  time.Time
	StaleAt         time.Time
	IsStale         bool
	IsFetching      bool
	// FailureCount counts failed attempts since the last success, capped at
	// the retry bound plus one.
	FailureCount    int
	SubscriberCount int
	Version         uint64
}

// DataAs returns the snapshot data as T.
func DataAs[T any](s Snapshot) (T, bool) {
	var zero T
	if !s.HasData || s.Data == nil {
		return zero, false
	}
	v, ok := s.Data.(T)
	return v, ok
}

// request is one dispatched fetch. Whoever removes it from entry.inflight
// closes done.
type request struct {
	seq     uint64
	done    chan struct{}
	fetcher Fetcher
	retry   int
}

type entry struct {
	key Key
	id  string

	mu sync.Mutex

	status         Status
	data           any
	hasData        bool
	err            error
	updatedAt      time.Time
	errorUpdatedAt time.Time
	staleAt        time.Time
	failureCount   int
	fingerprint    uint64
	fingerprinted  bool

	fetcher   Fetcher
	retry     int
	staleTime time.Duration

	seq      uint64
	inflight *request
	version  uint64

	subs    map[*Subscription]struct{}
	removed bool
}

// parkedEntry is the state kept in the retention store once the last
// subscriber leaves.
type parkedEntry struct {
	key            Key
	data           any
	err            error
	updatedAt      time.Time
	errorUpdatedAt time.Time
	staleAt        time.Time
	staleTime      time.Duration
	fingerprint    uint64
	fingerprinted  bool
	version        uint64
}

func newEntry(key Key, staleTime time.Duration, retry int) *entry {
	return &entry{
		key:       key,
		id:        key.ID(),
		status:    StatusIdle,
		staleTime: staleTime,
		retry:     retry,
		subs:      make(map[*Subscription]struct{}),
	}
}

func (e *entry) restore(p parkedEntry) {
	e.data = p.data
	e.hasData = true
	e.err = p.err
	e.updatedAt = p.updatedAt
	e.errorUpdatedAt = p.errorUpdatedAt
	e.staleAt = p.staleAt
	e.staleTime = p.staleTime
	e.fingerprint = p.fingerprint
	e.fingerprinted = p.fingerprinted
	e.version = p.version
	e.status = StatusSuccess
}

func (e *entry) parkLocked() parkedEntry {
	return parkedEntry{
		key:            e.key,
		data:           e.data,
		err:            e.err,
		updatedAt:      e.updatedAt,
		errorUpdatedAt: e.errorUpdatedAt,
		staleAt:        e.staleAt,
		staleTime:      e.staleTime,
		fingerprint:    e.fingerprint,
		fingerprinted:  e.fingerprinted,
		version:        e.version,
	}
}

func (e *entry) freshLocked(now time.Time) bool {
	return e.hasData && now.Before(e.staleAt)
}

func (e *entry) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		Key:             e.key,
		Status:          e.status,
		Data:            e.data,
		HasData:         e.hasData,
		Err:             e.err,
		UpdatedAt:       e.updatedAt,
		ErrorUpdatedAt:  e.errorUpdatedAt,
		StaleAt:         e.staleAt,
		IsStale:         !e.freshLocked(now),
		IsFetching:      e.inflight != nil,
		FailureCount:    e.failureCount,
		SubscriberCount: len(e.subs),
		Version:         e.version,
	}
}

func (e *entry) subscribersLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(e.subs))
	for s := range e.subs {
		subs = append(subs, s)
	}
	return subs
}

func (e *entry) enabledSubscribersLocked() int {
	n := 0
	for s := range e.subs {
		if s.enabled.Load() && !s.closed.Load() {
			n++
		}
	}
	return n
}

// abandonLocked drops the in-flight request so its completion is discarded.
func (e *entry) abandonLocked() bool {
	if e.inflight == nil {
		return false
	}
	close(e.inflight.done)
	e.inflight = nil
	return true
}

// resetLocked returns the entry to idle, clearing data and errors.
func (e *entry) resetLocked() {
	e.abandonLocked()
	e.status = StatusIdle
	e.data = nil
	e.hasData = false
	e.err = nil
	e.updatedAt = time.Time{}
	e.errorUpdatedAt = time.Time{}
	e.staleAt = time.Time{}
	e.failureCount = 0
	e.fingerprint = 0
	e.fingerprinted = false
	e.version++
}

// settleLocked applies a fetch outcome. failures is the number of failed
// attempts the request made.
func (e *entry) settleLocked(now time.Time, data any, err error, failures int, sharing bool) {
	if err != nil {
		e.err = err
		e.errorUpdatedAt = now
		e.failureCount = min(e.failureCount+failures, e.retry+1)
		if e.hasData {
			e.status = StatusSuccess
		} else {
			e.status = StatusError
		}
		e.version++
		return
	}

	if sharing {
		fp, ok := fingerprint(data)
		if ok && e.hasData && e.fingerprinted && fp == e.fingerprint {
			data = e.data
		}
		e.fingerprint, e.fingerprinted = fp, ok
	}

	e.data = data
	e.hasData = true
	e.err = nil
	e.updatedAt = now
	e.staleAt = now.Add(e.staleTime)
	e.failureCount = 0
	e.status = StatusSuccess
	e.version++
}

func fingerprint(data any) (uint64, bool) {
	raw, err := msgpack.Marshal(data)
	if err != nil {
		return 0, false
	}
	return xxhash.Sum64(raw), true
}
