package ledger

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertPrefix = "execution reverted"

// DecodeRevert extracts the human-readable revert reason from an RPC error.
// It prefers the ABI-encoded Error(string) payload carried as JSON-RPC error
// data and falls back to the node's "execution reverted: <reason>" message.
func DecodeRevert(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := revertReasonFromData(dataErr.ErrorData()); ok {
			return reason, true
		}
	}

	msg := err.Error()
	idx := strings.Index(msg, revertPrefix+": ")
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(msg[idx+len(revertPrefix)+2:])
	if reason == "" {
		return "", false
	}
	return reason, true
}

// IsRevert reports whether err is an EVM execution revert, decoded or not.
func IsRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), revertPrefix)
}

func revertReasonFromData(data interface{}) (string, bool) {
	hexData, ok := data.(string)
	if !ok || hexData == "" {
		return "", false
	}
	raw, err := hexutil.Decode(hexData)
	if err != nil {
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil || reason == "" {
		return "", false
	}
	return reason, true
}
