package ledger

import (
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/onchain-market/market-node/marketClient/bounty"
)

// ParseLog decodes an escrow contract log into a typed Event.
// All four watched events index (bountyId, address) in topics[1..2];
// the remaining fields are ABI-encoded in the data section.
func ParseLog(log *types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	ev, err := contractABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("unknown event topic %s: %w", log.Topics[0].Hex(), err)
	}
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("%s log has %d topics, want 3", ev.Name, len(log.Topics))
	}

	idBig := new(big.Int).SetBytes(log.Topics[1].Bytes())
	if !idBig.IsUint64() {
		return nil, fmt.Errorf("%s bounty id %s overflows uint64", ev.Name, idBig)
	}
	bountyID := idBig.Uint64()
	addr := bounty.NormalizeAddress(ethcommon.BytesToAddress(log.Topics[2].Bytes()).Hex())

	values, err := contractABI.Unpack(ev.Name, log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s data: %w", ev.Name, err)
	}

	ref := LogRef{
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		BlockNumber: log.BlockNumber,
	}

	switch EventKind(ev.Name) {
	case KindBountyCreated:
		requirements, reward, err := stringAndAmount(ev.Name, values)
		if err != nil {
			return nil, err
		}
		return BountyCreated{LogRef: ref, BountyID: bountyID, Creator: addr, Requirements: requirements, Reward: reward}, nil

	case KindSubmissionMade:
		if len(values) != 1 {
			return nil, fmt.Errorf("%s: expected 1 value, got %d", ev.Name, len(values))
		}
		url, ok := values[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s: submissionUrl has type %T", ev.Name, values[0])
		}
		return SubmissionMade{LogRef: ref, BountyID: bountyID, Submitter: addr, SubmissionURL: url}, nil

	case KindSubmissionResult:
		if len(values) != 2 {
			return nil, fmt.Errorf("%s: expected 2 values, got %d", ev.Name, len(values))
		}
		accepted, ok := values[0].(bool)
		if !ok {
			return nil, fmt.Errorf("%s: isAccepted has type %T", ev.Name, values[0])
		}
		score, ok := values[1].(uint8)
		if !ok {
			return nil, fmt.Errorf("%s: score has type %T", ev.Name, values[1])
		}
		return SubmissionResult{LogRef: ref, BountyID: bountyID, Submitter: addr, IsAccepted: accepted, Score: score}, nil

	case KindBountyCompleted:
		url, reward, err := stringAndAmount(ev.Name, values)
		if err != nil {
			return nil, err
		}
		return BountyCompleted{LogRef: ref, BountyID: bountyID, Winner: addr, WinningSubmission: url, Reward: reward}, nil
	}

	return nil, fmt.Errorf("unhandled event %s", ev.Name)
}

func stringAndAmount(name string, values []interface{}) (string, *big.Int, error) {
	if len(values) != 2 {
		return "", nil, fmt.Errorf("%s: expected 2 values, got %d", name, len(values))
	}
	s, ok := values[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("%s: expected string, got %T", name, values[0])
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return "", nil, fmt.Errorf("%s: expected amount, got %T", name, values[1])
	}
	return s, amount, nil
}
