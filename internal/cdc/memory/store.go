// Package memory implements an in-process partitioned store with an
// incremental and a full fidelity change feed.
package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-changefeed/internal/logging"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

const defaultPartitions = 4

var (
	// ErrNotFound is returned when deleting a record that does not exist
	ErrNotFound = errors.New("item not found")
	// ErrFullFidelityDisabled is returned when opening a full fidelity feed on a container without retention
	ErrFullFidelityDisabled = errors.New("full fidelity change feed is not enabled on the container")
)

// Store is an in-memory cdc.Store
type Store struct {
	mu         sync.RWMutex
	spec       cdc.ContainerSpec
	ranges     []*feedRange
	created    bool
	partitions int
	now        func() time.Time
	log        hclog.Logger

	faultMu   sync.Mutex
	failReads int
	failCause error
}

// Option configures a Store
type Option func(*Store)

// WithPartitions sets the number of physical partitions (feed ranges)
func WithPartitions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.partitions = n
		}
	}
}

// WithClock replaces the wall clock used for TTL and retention
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store; CreateIfNotExists must be called before use
func New(opts ...Option) *Store {
	s := &Store{
		partitions: defaultPartitions,
		now:        time.Now,
		log:        logging.GetLogger().Named("memory"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type itemKey struct {
	partitionKey string
	id           string
}

// version is the live state of one item
type version struct {
	rec       cdc.Record
	lsn       uint64
	writtenAt time.Time
	expiresAt time.Time
	// tracked is set when the version was written while full fidelity was on
	tracked bool
}

// logEntry is one full fidelity change, held as its wire document
type logEntry struct {
	lsn uint64
	at  time.Time
	doc []byte
}

// feedRange is one physical partition with its own LSN sequence
type feedRange struct {
	lsn   uint64
	items map[itemKey]*version
	log   []logEntry
}

func newFeedRange() *feedRange {
	return &feedRange{items: make(map[itemKey]*version)}
}

// CreateIfNotExists provisions the container. Calling it again for the same
// container updates its retention and default TTL.
func (s *Store) CreateIfNotExists(ctx context.Context, spec cdc.ContainerSpec) error {
	if spec.DatabaseID == "" || spec.ContainerID == "" {
		return fmt.Errorf("database and container ids are required")
	}
	if !strings.EqualFold(spec.PartitionKeyPath, "/buyerState") {
		return fmt.Errorf("unsupported partition key path %q", spec.PartitionKeyPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.created {
		if s.spec.DatabaseID != spec.DatabaseID || s.spec.ContainerID != spec.ContainerID {
			return fmt.Errorf("store already holds container %s/%s", s.spec.DatabaseID, s.spec.ContainerID)
		}
		s.spec.FullFidelityRetention = spec.FullFidelityRetention
		s.spec.DefaultTTL = spec.DefaultTTL
		s.log.Info("Updated container policy", "container", spec.ContainerID, "retention", spec.FullFidelityRetention)
		return nil
	}

	s.spec = spec
	s.ranges = make([]*feedRange, s.partitions)
	for i := range s.ranges {
		s.ranges[i] = newFeedRange()
	}
	s.created = true
	s.log.Info("Created container", "database", spec.DatabaseID, "container", spec.ContainerID,
		"partitions", s.partitions, "retention", spec.FullFidelityRetention)
	return nil
}

// Upsert writes a record and appends the change to its range's log
func (s *Store) Upsert(ctx context.Context, r cdc.Record) error {
	if r.ID == "" || r.PartitionKey() == "" {
		return fmt.Errorf("record id and partition key are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return cdc.ErrContainerNotFound
	}

	now := s.now()
	rng := s.rangeFor(r.PartitionKey())
	key := itemKey{partitionKey: r.PartitionKey(), id: r.ID}
	old := rng.items[key]

	rng.lsn++
	v := &version{
		rec:       r,
		lsn:       rng.lsn,
		writtenAt: now,
		expiresAt: s.expiry(r, now),
		tracked:   s.fullFidelityOn(),
	}
	rng.items[key] = v

	if !s.fullFidelityOn() {
		return nil
	}
	var ev cdc.Event
	switch {
	case old == nil:
		ev = cdc.Created{Current: r}
	case old.tracked && !old.writtenAt.Before(now.Add(-s.spec.FullFidelityRetention)):
		prev := old.rec
		ev = cdc.Replaced{Current: r, Previous: &prev}
	default:
		ev = cdc.Replaced{Current: r}
	}
	return s.appendLog(rng, v.lsn, now, ev)
}

// appendLog encodes ev and appends it to the range's log. Callers hold s.mu.
func (s *Store) appendLog(rng *feedRange, lsn uint64, at time.Time, ev cdc.Event) error {
	doc, err := cdc.EncodeChangeDocument(ev)
	if err != nil {
		return fmt.Errorf("encode change %d: %w", lsn, err)
	}
	rng.log = append(rng.log, logEntry{lsn: lsn, at: at, doc: doc})
	return nil
}

// Delete removes a record explicitly
func (s *Store) Delete(ctx context.Context, id, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return cdc.ErrContainerNotFound
	}
	if !s.remove(itemKey{partitionKey: partitionKey, id: id}, false) {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, id, ErrNotFound)
	}
	return nil
}

// remove deletes an item and logs the delete. Callers hold s.mu.
func (s *Store) remove(key itemKey, expired bool) bool {
	rng := s.rangeFor(key.partitionKey)
	old, ok := rng.items[key]
	if !ok {
		return false
	}
	delete(rng.items, key)
	rng.lsn++
	if s.fullFidelityOn() {
		if err := s.appendLog(rng, rng.lsn, s.now(), cdc.Deleted{Previous: old.rec, TTLExpired: expired}); err != nil {
			s.log.Error("Failed to log delete", "id", key.id, "error", err)
		}
	}
	return true
}

// ExpireDue deletes every item whose TTL has elapsed and prunes full fidelity
// entries that fell out of the retention window. It returns the number of
// expired items.
func (s *Store) ExpireDue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return 0
	}

	now := s.now()
	expired := 0
	for _, rng := range s.ranges {
		var due []itemKey
		for key, v := range rng.items {
			if !v.expiresAt.IsZero() && !now.Before(v.expiresAt) {
				due = append(due, key)
			}
		}
		// Expire in write order so the feed stays deterministic
		sort.Slice(due, func(i, j int) bool { return rng.items[due[i]].lsn < rng.items[due[j]].lsn })
		for _, key := range due {
			if s.remove(key, true) {
				expired++
			}
		}
		s.prune(rng, now)
	}
	if expired > 0 {
		s.log.Debug("Expired items", "count", expired)
	}
	return expired
}

func (s *Store) prune(rng *feedRange, now time.Time) {
	if s.spec.FullFidelityRetention <= 0 {
		rng.log = nil
		return
	}
	cutoff := now.Add(-s.spec.FullFidelityRetention)
	i := sort.Search(len(rng.log), func(i int) bool { return !rng.log[i].at.Before(cutoff) })
	if i > 0 {
		rng.log = append([]logEntry(nil), rng.log[i:]...)
	}
}

// Run sweeps expired items on every interval until ctx is cancelled
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpireDue()
		}
	}
}

// FailNextReads makes the next n pulls on any iterator return a transient failure
func (s *Store) FailNextReads(n int, cause error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.failReads = n
	s.failCause = cause
}

func (s *Store) takeFault() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.failReads <= 0 {
		return nil
	}
	s.failReads--
	return s.failCause
}

// InjectDocument appends a raw wire document to the full fidelity log of the
// partition's range, as a store with a foreign writer would serve it
func (s *Store) InjectDocument(partitionKey string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return cdc.ErrContainerNotFound
	}
	if !s.fullFidelityOn() {
		return ErrFullFidelityDisabled
	}
	rng := s.rangeFor(partitionKey)
	rng.lsn++
	rng.log = append(rng.log, logEntry{lsn: rng.lsn, at: s.now(), doc: append([]byte(nil), raw...)})
	return nil
}

// Get returns the live state of a record
func (s *Store) Get(id, partitionKey string) (cdc.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.created {
		return cdc.Record{}, false
	}
	v, ok := s.rangeFor(partitionKey).items[itemKey{partitionKey: partitionKey, id: id}]
	if !ok {
		return cdc.Record{}, false
	}
	return v.rec, true
}

func (s *Store) fullFidelityOn() bool {
	return s.spec.FullFidelityRetention > 0
}

func (s *Store) expiry(r cdc.Record, now time.Time) time.Time {
	switch {
	case r.TTL != nil && *r.TTL > 0:
		return now.Add(time.Duration(*r.TTL) * time.Second)
	case r.TTL != nil:
		// A non-positive item TTL never expires
		return time.Time{}
	case s.spec.DefaultTTL > 0:
		return now.Add(s.spec.DefaultTTL)
	default:
		return time.Time{}
	}
}

func (s *Store) rangeFor(partitionKey string) *feedRange {
	return s.ranges[rangeIndex(partitionKey, len(s.ranges))]
}

func rangeIndex(partitionKey string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partitionKey))
	return int(h.Sum32() % uint32(n))
}
