package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Contract methods.
const (
	MethodCreateBounty  = "createBounty"
	MethodSubmitGraphic = "submitGraphic"
	MethodGetBounty     = "getBounty"
	MethodGetOracleFee  = "getOracleFee"
)

// escrowABI is the surface of the bounty escrow contract this node consumes.
const escrowABI = `[
  {"type":"function","name":"createBounty","stateMutability":"payable",
   "inputs":[{"name":"requirements","type":"string"}],"outputs":[]},
  {"type":"function","name":"submitGraphic","stateMutability":"payable",
   "inputs":[{"name":"bountyId","type":"uint256"},{"name":"submissionUrl","type":"string"}],"outputs":[]},
  {"type":"function","name":"getBounty","stateMutability":"view",
   "inputs":[{"name":"bountyId","type":"uint256"}],
   "outputs":[
     {"name":"creator","type":"address"},
     {"name":"requirements","type":"string"},
     {"name":"reward","type":"uint256"},
     {"name":"isActive","type":"bool"},
     {"name":"winner","type":"address"},
     {"name":"winningSubmission","type":"string"}]},
  {"type":"function","name":"getOracleFee","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"BountyCreated","anonymous":false,"inputs":[
     {"name":"bountyId","type":"uint256","indexed":true},
     {"name":"creator","type":"address","indexed":true},
     {"name":"requirements","type":"string","indexed":false},
     {"name":"reward","type":"uint256","indexed":false}]},
  {"type":"event","name":"SubmissionMade","anonymous":false,"inputs":[
     {"name":"bountyId","type":"uint256","indexed":true},
     {"name":"submitter","type":"address","indexed":true},
     {"name":"submissionUrl","type":"string","indexed":false}]},
  {"type":"event","name":"SubmissionResult","anonymous":false,"inputs":[
     {"name":"bountyId","type":"uint256","indexed":true},
     {"name":"submitter","type":"address","indexed":true},
     {"name":"isAccepted","type":"bool","indexed":false},
     {"name":"score","type":"uint8","indexed":false}]},
  {"type":"event","name":"BountyCompleted","anonymous":false,"inputs":[
     {"name":"bountyId","type":"uint256","indexed":true},
     {"name":"winner","type":"address","indexed":true},
     {"name":"winningSubmission","type":"string","indexed":false},
     {"name":"reward","type":"uint256","indexed":false}]}
]`

var contractABI = mustParseABI(escrowABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: invalid escrow ABI: " + err.Error())
	}
	return parsed
}

// ContractABI returns the parsed escrow ABI.
func ContractABI() abi.ABI {
	return contractABI
}

// EventTopic returns the topic-0 hash of the named event.
func EventTopic(kind EventKind) ethcommon.Hash {
	return contractABI.Events[string(kind)].ID
}

// watchedTopics lists the topic-0 hashes the event watcher filters on.
func watchedTopics() []ethcommon.Hash {
	return []ethcommon.Hash{
		EventTopic(KindBountyCreated),
		EventTopic(KindSubmissionMade),
		EventTopic(KindSubmissionResult),
		EventTopic(KindBountyCompleted),
	}
}
