package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

// NormalizeAddress returns the checksummed form of a hex address.
// Mixed-case input must already carry a valid checksum.
func NormalizeAddress(raw string) (string, error) {
	if !common.IsHexAddress(raw) {
		return "", errors.Wrapf(types.ErrInvalidAddress, "%q", raw)
	}

	addr := common.HexToAddress(raw)
	hex := raw
	if len(hex) >= 2 && (hex[:2] == "0x" || hex[:2] == "0X") {
		hex = hex[2:]
	}
	if isMixedCase(hex) && addr.Hex()[2:] != hex {
		return "", errors.Wrapf(types.ErrInvalidAddress, "bad checksum %q", raw)
	}

	return addr.Hex(), nil
}

func parseAddress(raw string) (common.Address, error) {
	normalized, err := NormalizeAddress(raw)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(normalized), nil
}

func isMixedCase(s string) bool {
	var lower, upper bool
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'f':
			lower = true
		case r >= 'A' && r <= 'F':
			upper = true
		}
	}
	return lower && upper
}
