// Package state holds the process-local, observable snapshot of every bounty
// and its submissions. All mutations go through the methods of Store, which
// serialise on one mutex and enforce the bounty lifecycle rules:
//
//   - a bounty leaves the active state exactly once, together with its winner;
//   - a submission reaches one terminal status and never reverts;
//   - at most one submission per bounty is accepted.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/onchain-market/market-node/marketClient/bounty"
	marketerrors "github.com/onchain-market/market-node/marketClient/errors"
)

// ErrWinnerConflict is returned when an acceptance names a different winner
// than the one already recorded for the bounty.
var ErrWinnerConflict = errors.New("bounty already has a different winner")

// ChangeKind identifies what a mutation did.
type ChangeKind string

const (
	ChangeReconciled      ChangeKind = "reconciled"
	ChangeBountyAdded     ChangeKind = "bounty_added"
	ChangeSubmissionAdded ChangeKind = "submission_added"
	ChangeVerdict         ChangeKind = "verdict"
	ChangeCompleted       ChangeKind = "completed"
)

// Change is published to subscribers after every applied mutation.
type Change struct {
	Kind     ChangeKind
	BountyID uint64 // zero for ChangeReconciled
}

const subscriberBuffer = 64

// SaveFunc writes a bounty snapshot to the off-chain cache.
type SaveFunc func(ctx context.Context, b bounty.Bounty) error

type slot struct {
	bountyID  uint64
	submitter string
}

// Store is a thread-safe, ordered (newest first) set of bounties.
type Store struct {
	mu       sync.RWMutex
	bounties []*bounty.Bounty
	index    map[uint64]*bounty.Bounty
	reserved map[slot]struct{}
	synced   time.Time

	// flushLocks order cache writes per bounty.
	flushMu    sync.Mutex
	flushLocks map[uint64]*sync.Mutex

	subMu  sync.Mutex
	subs   map[int]chan Change
	nextID int

	logger zerolog.Logger
}

// New creates an empty Store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		index:      make(map[uint64]*bounty.Bounty),
		reserved:   make(map[slot]struct{}),
		flushLocks: make(map[uint64]*sync.Mutex),
		subs:       make(map[int]chan Change),
		logger:     logger.With().Str("component", "state").Logger(),
	}
}

// List returns a deep copy of every bounty, most recent first.
func (s *Store) List() []bounty.Bounty {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]bounty.Bounty, 0, len(s.bounties))
	for _, b := range s.bounties {
		out = append(out, b.Clone())
	}
	return out
}

// Get returns a deep copy of bounty id.
func (s *Store) Get(id uint64) (bounty.Bounty, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.index[id]
	if !ok {
		return bounty.Bounty{}, false
	}
	return b.Clone(), true
}

// Has reports whether bounty id is known.
func (s *Store) Has(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Len returns the number of bounties held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bounties)
}

// Subscribe registers for change notifications. Notifications are dropped for
// a subscriber whose buffer is full. cancel closes the channel.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Change, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Store) publish(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.logger.Debug().Int("subscriber", id).Str("kind", string(c.Kind)).Msg("subscriber buffer full, change dropped")
		}
	}
}

// Reconcile merges a freshly reconciled list into the store. The incoming
// order wins; bounties known only in memory are kept in front. The merge is
// monotonic: a bounty inactive in memory stays inactive, a recorded winner is
// kept when the incoming copy has none, terminal submissions are not reopened,
// and in-memory submissions missing from the incoming copy are kept.
func (s *Store) Reconcile(fresh []bounty.Bounty) {
	s.mu.Lock()

	seen := make(map[uint64]struct{}, len(fresh))
	merged := make([]*bounty.Bounty, 0, len(fresh)+len(s.bounties))

	for _, existing := range s.bounties {
		if !containsID(fresh, existing.ID) {
			merged = append(merged, existing)
			seen[existing.ID] = struct{}{}
		}
	}

	for _, in := range fresh {
		if _, dup := seen[in.ID]; dup {
			continue
		}
		seen[in.ID] = struct{}{}

		next := normalize(in.Clone())
		if cur, ok := s.index[in.ID]; ok {
			mergeInto(&next, cur)
		}
		merged = append(merged, &next)
	}

	s.bounties = merged
	s.index = make(map[uint64]*bounty.Bounty, len(merged))
	for _, b := range merged {
		s.index[b.ID] = b
	}
	s.synced = time.Now().UTC()
	count := len(merged)
	s.mu.Unlock()

	s.logger.Info().Int("bounties", count).Msg("state reconciled")
	s.publish(Change{Kind: ChangeReconciled})
}

// LastReconciled returns when Reconcile last ran, or the zero time.
func (s *Store) LastReconciled() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// PrependBounty inserts b as the most recent bounty. It returns false and
// leaves the store untouched when the id is already present.
func (s *Store) PrependBounty(b bounty.Bounty) bool {
	s.mu.Lock()
	if _, ok := s.index[b.ID]; ok {
		s.mu.Unlock()
		return false
	}

	next := normalize(b.Clone())
	s.bounties = append([]*bounty.Bounty{&next}, s.bounties...)
	s.index[next.ID] = &next
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeBountyAdded, BountyID: b.ID})
	return true
}

// AddSubmission appends a pending submission unless the submitter already has
// one on that bounty. It returns the updated bounty and whether it was added.
func (s *Store) AddSubmission(sub bounty.Submission) (bounty.Bounty, bool, error) {
	s.mu.Lock()
	b, ok := s.index[sub.BountyID]
	if !ok {
		s.mu.Unlock()
		return bounty.Bounty{}, false, marketerrors.NewValidationError(marketerrors.ErrBountyNotFound, sub.BountyID)
	}
	if _, exists := b.FindSubmission(sub.Submitter); exists {
		snapshot := b.Clone()
		s.mu.Unlock()
		return snapshot, false, nil
	}

	next := sub.Clone()
	next.Submitter = bounty.NormalizeAddress(next.Submitter)
	next.Status = bounty.StatusPending
	next.Score = nil
	b.Submissions = append(b.Submissions, next)
	snapshot := b.Clone()
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeSubmissionAdded, BountyID: sub.BountyID})
	return snapshot, true, nil
}

// ReserveSubmission checks that submitter may submit to bounty id and holds
// the slot until release is called, so a second workflow for the same
// submitter fails with ErrDuplicateSubmission while the first is in flight.
// The checks and the reservation happen under one lock.
func (s *Store) ReserveSubmission(id uint64, submitter string) (release func(), err error) {
	submitter = bounty.NormalizeAddress(submitter)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.index[id]
	switch {
	case !ok:
		return nil, marketerrors.NewValidationError(marketerrors.ErrBountyNotFound, id)
	case !b.IsActive:
		return nil, marketerrors.NewValidationError(marketerrors.ErrBountyInactive, id)
	case bounty.SameAddress(b.Creator, submitter):
		return nil, marketerrors.NewValidationError(marketerrors.ErrSelfSubmission, id)
	}

	key := slot{bountyID: id, submitter: submitter}
	if _, exists := b.FindSubmission(submitter); exists {
		return nil, marketerrors.NewValidationError(marketerrors.ErrDuplicateSubmission, id)
	}
	if _, held := s.reserved[key]; held {
		return nil, marketerrors.NewValidationError(marketerrors.ErrDuplicateSubmission, id)
	}
	s.reserved[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.reserved, key)
			s.mu.Unlock()
		})
	}, nil
}

// Flush writes the current snapshot of bounty id through save. Flushes of the
// same bounty run one at a time and each reads the snapshot after taking its
// turn, so the last write always carries the newest state.
func (s *Store) Flush(ctx context.Context, id uint64, save SaveFunc) error {
	lock := s.flushLock(id)
	lock.Lock()
	defer lock.Unlock()

	b, ok := s.Get(id)
	if !ok {
		return marketerrors.NewValidationError(marketerrors.ErrBountyNotFound, id)
	}
	return save(ctx, b)
}

func (s *Store) flushLock(id uint64) *sync.Mutex {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	lock, ok := s.flushLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.flushLocks[id] = lock
	}
	return lock
}

// CommitVerdict finalises the submission made by sub.Submitter, inserting it
// first when this process never saw it. An accepted verdict completes the
// bounty in the same critical section. Terminal submissions are never changed;
// applied is false in that case.
func (s *Store) CommitVerdict(sub bounty.Submission, accepted bool, score uint8) (updated bounty.Bounty, applied bool, err error) {
	if !bounty.ValidScore(score) {
		return bounty.Bounty{}, false, fmt.Errorf("score %d out of range 0..%d", score, bounty.MaxScore)
	}

	s.mu.Lock()
	b, ok := s.index[sub.BountyID]
	if !ok {
		s.mu.Unlock()
		return bounty.Bounty{}, false, marketerrors.NewValidationError(marketerrors.ErrBountyNotFound, sub.BountyID)
	}

	submitter := bounty.NormalizeAddress(sub.Submitter)
	idx, exists := b.FindSubmission(submitter)
	if exists && b.Submissions[idx].Status.IsTerminal() {
		snapshot := b.Clone()
		s.mu.Unlock()
		return snapshot, false, nil
	}

	imageURL := sub.ImageURL
	if exists && b.Submissions[idx].ImageURL != "" {
		imageURL = b.Submissions[idx].ImageURL
	}

	if accepted {
		if b.HasWinner() && !bounty.SameAddress(b.Winner, submitter) {
			s.mu.Unlock()
			return bounty.Bounty{}, false, fmt.Errorf("%w: bounty %d won by %s", ErrWinnerConflict, b.ID, b.Winner)
		}
		for i := range b.Submissions {
			if b.Submissions[i].Status == bounty.StatusAccepted && !bounty.SameAddress(b.Submissions[i].Submitter, submitter) {
				s.mu.Unlock()
				return bounty.Bounty{}, false, fmt.Errorf("%w: bounty %d already accepted %s", ErrWinnerConflict, b.ID, b.Submissions[i].Submitter)
			}
		}
	}

	if !exists {
		next := sub.Clone()
		next.Submitter = submitter
		b.Submissions = append(b.Submissions, next)
		idx = len(b.Submissions) - 1
	}

	final := score
	b.Submissions[idx].Status = bounty.StatusFromVerdict(accepted)
	b.Submissions[idx].Score = &final
	b.Submissions[idx].ImageURL = imageURL

	if accepted {
		// isActive may already be false from the ledger; the winner still has to be set.
		b.IsActive = false
		if !b.HasWinner() {
			b.Winner = submitter
			b.WinningSubmission = imageURL
		}
	}
	snapshot := b.Clone()
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeVerdict, BountyID: sub.BountyID})
	return snapshot, true, nil
}

// CompleteBounty flips bounty id to inactive with the given winner if it is
// still active. It returns false when the bounty was already inactive.
func (s *Store) CompleteBounty(id uint64, winner, winningSubmission string) (bounty.Bounty, bool, error) {
	s.mu.Lock()
	b, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return bounty.Bounty{}, false, marketerrors.NewValidationError(marketerrors.ErrBountyNotFound, id)
	}
	if !b.IsActive {
		snapshot := b.Clone()
		s.mu.Unlock()
		return snapshot, false, nil
	}

	b.IsActive = false
	b.Winner = bounty.NormalizeAddress(winner)
	b.WinningSubmission = winningSubmission
	snapshot := b.Clone()
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeCompleted, BountyID: id})
	return snapshot, true, nil
}

func containsID(list []bounty.Bounty, id uint64) bool {
	for i := range list {
		if list[i].ID == id {
			return true
		}
	}
	return false
}

func normalize(b bounty.Bounty) bounty.Bounty {
	b.Creator = bounty.NormalizeAddress(b.Creator)
	b.Winner = bounty.NormalizeAddress(b.Winner)
	for i := range b.Submissions {
		b.Submissions[i].BountyID = b.ID
		b.Submissions[i].Submitter = bounty.NormalizeAddress(b.Submissions[i].Submitter)
	}
	return b
}

// mergeInto applies the monotonic rules of Reconcile, with cur the in-memory copy.
func mergeInto(next *bounty.Bounty, cur *bounty.Bounty) {
	if !cur.IsActive {
		next.IsActive = false
	}
	if !next.HasWinner() && cur.HasWinner() {
		next.Winner = cur.Winner
		next.WinningSubmission = cur.WinningSubmission
	}

	for _, mine := range cur.Submissions {
		idx, ok := next.FindSubmission(mine.Submitter)
		if !ok {
			next.Submissions = append(next.Submissions, mine.Clone())
			continue
		}
		if mine.Status.IsTerminal() && !next.Submissions[idx].Status.IsTerminal() {
			next.Submissions[idx] = mine.Clone()
		}
	}
}
