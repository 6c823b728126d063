package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const oracleABIJSON = `[
  {"type":"function","name":"apiUrl","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"updateInterval","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"getOracleInfo","stateMutability":"view","inputs":[],"outputs":[
    {"name":"creator","type":"address"},
    {"name":"apiUrl","type":"string"},
    {"name":"updateInterval","type":"string"},
    {"name":"lastUpdateTime","type":"uint256"}
  ]},
  {"type":"function","name":"getCurrentData","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"isValidated","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getVerifications","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"tuple[]","components":[
      {"name":"txHash","type":"string"},
      {"name":"data","type":"string"}
    ]}
  ]},
  {"type":"function","name":"updateData","stateMutability":"nonpayable","inputs":[{"name":"newData","type":"string"}],"outputs":[]}
]`

const (
	methodAPIURL           = "apiUrl"
	methodUpdateInterval   = "updateInterval"
	methodGetOracleInfo    = "getOracleInfo"
	methodGetCurrentData   = "getCurrentData"
	methodIsValidated      = "isValidated"
	methodGetVerifications = "getVerifications"
	methodUpdateData       = "updateData"
)

var oracleABI = mustParseABI(oracleABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// OracleABI is the parsed interface of the oracle contract.
func OracleABI() abi.ABI {
	return oracleABI
}
