package stabilizer

import (
	"context"
	"sort"
	"sync"
	"time"

	"SignalDesk/internal/domain/models"
	applogger "SignalDesk/pkg/logger"
)

// Store keeps one record per instrument and the per-instrument locks that
// serialise read-modify-write of those records.
type Store struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	records map[string]models.StabilizerRecord
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		locks:   make(map[string]chan struct{}),
		records: make(map[string]models.StabilizerRecord),
	}
}

func (s *Store) lockFor(instrument string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[instrument]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[instrument] = ch
	}
	return ch
}

// Lock acquires the instrument lock, waiting at most wait (no bound when
// wait <= 0). The returned func releases it.
func (s *Store) Lock(ctx context.Context, instrument string, wait time.Duration) (func(), error) {
	ch := s.lockFor(instrument)
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, models.NewError(models.KindScheduling, "stabilizer.lock", instrument, ctx.Err())
	case <-timeout:
		return nil, models.NewError(models.KindScheduling, "stabilizer.lock", instrument, models.ErrLockTimeout)
	}
}

// Get returns the record for instrument.
func (s *Store) Get(instrument string) (models.StabilizerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[instrument]
	return r, ok
}

func (s *Store) put(r models.StabilizerRecord) {
	s.mu.Lock()
	s.records[r.Instrument] = r
	s.mu.Unlock()
}

func (s *Store) delete(instrument string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[instrument]
	delete(s.records, instrument)
	return ok
}

// Records returns every record sorted by instrument.
func (s *Store) Records() []models.StabilizerRecord {
	s.mu.Lock()
	out := make([]models.StabilizerRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Stabilizer applies the policy to the store under the instrument lock.
type Stabilizer struct {
	policy   *Policy
	store    *Store
	lockWait time.Duration
	l        *applogger.Logger
}

// New creates a Stabilizer.
func New(policy *Policy, store *Store, lockWait time.Duration, l *applogger.Logger) *Stabilizer {
	return &Stabilizer{policy: policy, store: store, lockWait: lockWait, l: l}
}

// Store exposes the underlying record store.
func (s *Stabilizer) Store() *Store { return s.store }

// Submit evaluates cand for cycle seq. On acceptance the record is committed
// and every onAccept callback runs before the instrument lock is released.
func (s *Stabilizer) Submit(ctx context.Context, cand models.Signal, now time.Time, seq uint64, onAccept ...func(models.Signal)) (Decision, error) {
	if cand.Direction == models.Hold {
		return Decision{Reason: ReasonHold}, nil
	}
	unlock, err := s.store.Lock(ctx, cand.Instrument, s.lockWait)
	if err != nil {
		return Decision{}, err
	}
	defer unlock()

	var prev *models.StabilizerRecord
	if r, ok := s.store.Get(cand.Instrument); ok {
		prev = &r
	}
	d := s.policy.Evaluate(prev, cand, now, seq)
	if !d.Accepted {
		if s.l != nil {
			s.l.Debug("stabilizer rejected candidate",
				applogger.String("instrument", cand.Instrument),
				applogger.String("direction", cand.Direction.String()),
				applogger.String("reason", string(d.Reason)),
			)
		}
		return d, nil
	}
	s.store.put(d.Record)
	for _, fn := range onAccept {
		fn(cand)
	}
	return d, nil
}

// Reset drops the record for instrument. It reports whether one existed.
func (s *Stabilizer) Reset(ctx context.Context, instrument string) (bool, error) {
	unlock, err := s.store.Lock(ctx, instrument, s.lockWait)
	if err != nil {
		return false, err
	}
	defer unlock()
	existed := s.store.delete(instrument)
	if s.l != nil {
		s.l.Info("stabilizer record reset",
			applogger.String("instrument", instrument),
			applogger.Bool("existed", existed),
		)
	}
	return existed, nil
}
