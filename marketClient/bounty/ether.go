package bounty

import (
	"fmt"
	"math/big"
	"strings"
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// FormatEther renders a wei amount in ether, always with at least one decimal
// place (1000000000000000000 -> "1.0", 500000000000000000 -> "0.5").
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	s := new(big.Rat).SetFrac(wei, weiPerEther).FloatString(18)
	s = strings.TrimRight(s, "0")
	if strings.HasSuffix(s, ".") {
		s += "0"
	}
	return s
}

// ParseEther converts a decimal ether string into wei.
// More than 18 fractional digits is an error rather than a silent truncation.
func ParseEther(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty ether amount")
	}
	r, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, fmt.Errorf("invalid ether amount %q", value)
	}
	r.Mul(r, new(big.Rat).SetInt(weiPerEther))
	if !r.IsInt() {
		return nil, fmt.Errorf("ether amount %q has more than 18 decimals", value)
	}
	return new(big.Int).Set(r.Num()), nil
}
