package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/NethermindEth/starknet.go/utils"
)

var maxInt64 = big.NewInt(int64(^uint64(0) >> 1))

// Selector returns the starknet_keccak of an entry point or event name.
func Selector(name string) string {
	return utils.GetSelectorFromNameFelt(name).String()
}

func parseFelt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" {
		return new(big.Int), nil
	}
	f, err := utils.HexToFelt(s)
	if err != nil {
		return nil, fmt.Errorf("invalid felt %q: %w", s, err)
	}
	return utils.FeltToBigInt(f), nil
}

// hexes renders felts in their 0x form.
func hexes[T fmt.Stringer](felts []T) []string {
	out := make([]string, 0, len(felts))
	for _, f := range felts {
		out = append(out, f.String())
	}
	return out
}

// decodeUint256 joins a [low, high] felt pair. A single felt is read as low.
func decodeUint256(felts []string) (*big.Int, error) {
	if len(felts) == 0 {
		return nil, fmt.Errorf("empty uint256")
	}
	low, err := parseFelt(felts[0])
	if err != nil {
		return nil, err
	}
	if len(felts) == 1 {
		return low, nil
	}
	high, err := parseFelt(felts[1])
	if err != nil {
		return nil, err
	}
	return low.Add(low, high.Lsh(high, 128)), nil
}

func toInt64(v *big.Int) (int64, error) {
	if v.Sign() < 0 || v.Cmp(maxInt64) > 0 {
		return 0, fmt.Errorf("value %s out of range", v.String())
	}
	return v.Int64(), nil
}
