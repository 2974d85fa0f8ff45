// Package offchain is the relational cache mirroring the escrow ledger.
// It is a read-mostly copy; the ledger stays authoritative.
package offchain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/onchain-market/market-node/marketClient/bounty"
	"github.com/onchain-market/market-node/marketClient/db"
	"github.com/onchain-market/market-node/marketClient/store"
)

// Store provides cache operations for bounties and the event cursor.
type Store struct {
	database *db.DB
}

// NewStore creates a new cache store.
func NewStore(database *db.DB) *Store {
	return &Store{
		database: database,
	}
}

// ListBounties returns every cached bounty, newest first. Ties on creation
// time are broken by bounty id, descending.
func (s *Store) ListBounties(ctx context.Context) ([]bounty.Bounty, error) {
	if s.database == nil {
		return nil, fmt.Errorf("database is nil")
	}

	var records []store.BountyRecord
	if err := s.database.Client().WithContext(ctx).
		Order("created_at DESC").
		Order("bounty_id DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query bounties: %w", err)
	}

	out := make([]bounty.Bounty, 0, len(records))
	for i := range records {
		b, err := fromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// GetBounty returns one cached bounty. The bool is false when it is absent.
func (s *Store) GetBounty(ctx context.Context, id uint64) (bounty.Bounty, bool, error) {
	if s.database == nil {
		return bounty.Bounty{}, false, fmt.Errorf("database is nil")
	}

	var record store.BountyRecord
	err := s.database.Client().WithContext(ctx).Where("bounty_id = ?", id).First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return bounty.Bounty{}, false, nil
	}
	if err != nil {
		return bounty.Bounty{}, false, fmt.Errorf("failed to get bounty %d: %w", id, err)
	}

	b, err := fromRecord(&record)
	if err != nil {
		return bounty.Bounty{}, false, err
	}
	return b, true, nil
}

// InsertBountyIfNotExists inserts b unless a row with the same bounty id exists.
// Returns true when a row was written.
func (s *Store) InsertBountyIfNotExists(ctx context.Context, b bounty.Bounty) (bool, error) {
	if s.database == nil {
		return false, fmt.Errorf("database is nil")
	}

	record, err := toRecord(b)
	if err != nil {
		return false, err
	}

	result := s.database.Client().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bounty_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert bounty %d: %w", b.ID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SaveBounty writes the mutable fields of b, inserting the row if it is missing.
// The original creation time of an existing row is kept.
func (s *Store) SaveBounty(ctx context.Context, b bounty.Bounty) error {
	if s.database == nil {
		return fmt.Errorf("database is nil")
	}

	record, err := toRecord(b)
	if err != nil {
		return err
	}

	return s.database.Client().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing store.BountyRecord
		err := tx.Where("bounty_id = ?", b.ID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			if err := tx.Create(record).Error; err != nil {
				return fmt.Errorf("failed to insert bounty %d: %w", b.ID, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to query bounty %d: %w", b.ID, err)
		}

		// Map form so zero values (is_active=false, empty winner) are written.
		updates := map[string]any{
			"creator":            record.Creator,
			"requirements":       record.Requirements,
			"reward":             record.Reward,
			"is_active":          record.IsActive,
			"winner":             record.Winner,
			"winning_submission": record.WinningSubmission,
			"submissions":        record.Submissions,
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update bounty %d: %w", b.ID, err)
		}
		return nil
	})
}

// GetChainHeight returns the last processed block height.
// Creates a new entry with height 0 if it doesn't exist.
func (s *Store) GetChainHeight() (uint64, error) {
	if s.database == nil {
		return 0, fmt.Errorf("database is nil")
	}

	var state store.ChainState
	result := s.database.Client().First(&state)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			state = store.ChainState{LastBlock: 0}
			if err := s.database.Client().Create(&state).Error; err != nil {
				return 0, fmt.Errorf("failed to create chain state: %w", err)
			}
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get chain height: %w", result.Error)
	}

	return state.LastBlock, nil
}

// UpdateChainHeight records blockHeight as processed. The cursor never moves backwards.
func (s *Store) UpdateChainHeight(blockHeight uint64) error {
	if s.database == nil {
		return fmt.Errorf("database is nil")
	}

	var state store.ChainState
	result := s.database.Client().First(&state)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			state = store.ChainState{LastBlock: blockHeight}
			if err := s.database.Client().Create(&state).Error; err != nil {
				return fmt.Errorf("failed to create chain state: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to query chain state: %w", result.Error)
	}

	if blockHeight > state.LastBlock {
		state.LastBlock = blockHeight
		if err := s.database.Client().Save(&state).Error; err != nil {
			return fmt.Errorf("failed to update chain height: %w", err)
		}
	}

	return nil
}

func toRecord(b bounty.Bounty) (*store.BountyRecord, error) {
	subs := b.Submissions
	if subs == nil {
		subs = []bounty.Submission{}
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode submissions of bounty %d: %w", b.ID, err)
	}

	reward := "0"
	if b.Reward != nil {
		reward = b.Reward.String()
	}
	// A zero CreatedAt is filled in by gorm on insert.
	record := &store.BountyRecord{
		BountyID:          b.ID,
		Creator:           bounty.NormalizeAddress(b.Creator),
		Requirements:      b.Requirements,
		Reward:            reward,
		IsActive:          b.IsActive,
		Winner:            bounty.NormalizeAddress(b.Winner),
		WinningSubmission: b.WinningSubmission,
		Submissions:       data,
	}
	record.CreatedAt = b.CreatedAt
	return record, nil
}

func fromRecord(r *store.BountyRecord) (bounty.Bounty, error) {
	reward, ok := new(big.Int).SetString(r.Reward, 10)
	if !ok {
		return bounty.Bounty{}, fmt.Errorf("bounty %d has malformed reward %q", r.BountyID, r.Reward)
	}

	var subs []bounty.Submission
	if len(r.Submissions) > 0 {
		if err := json.Unmarshal(r.Submissions, &subs); err != nil {
			return bounty.Bounty{}, fmt.Errorf("failed to decode submissions of bounty %d: %w", r.BountyID, err)
		}
	}
	for i := range subs {
		subs[i].BountyID = r.BountyID
		subs[i].Submitter = bounty.NormalizeAddress(subs[i].Submitter)
		if subs[i].Status == "" {
			subs[i].Status = bounty.StatusPending
		}
	}

	return bounty.Bounty{
		ID:                r.BountyID,
		Creator:           bounty.NormalizeAddress(r.Creator),
		Requirements:      r.Requirements,
		Reward:            reward,
		IsActive:          r.IsActive,
		Winner:            bounty.NormalizeAddress(r.Winner),
		WinningSubmission: r.WinningSubmission,
		Submissions:       subs,
		CreatedAt:         r.CreatedAt,
	}, nil
}
