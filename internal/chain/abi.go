package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const oracleABIJSON = `[
  {"type":"function","name":"storeCommitment","stateMutability":"nonpayable",
   "inputs":[{"name":"windowStart","type":"uint256"},{"name":"commitment","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getCommitment","stateMutability":"view",
   "inputs":[{"name":"windowStart","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]}
]`

const positionsABIJSON = `[
  {"type":"function","name":"openPosition","stateMutability":"payable",
   "inputs":[{"name":"leverage","type":"uint16"},{"name":"predictionCommitmentId","type":"string"}],
   "outputs":[{"name":"positionId","type":"uint256"}]},
  {"type":"function","name":"getPosition","stateMutability":"view",
   "inputs":[{"name":"positionId","type":"uint256"}],
   "outputs":[
     {"name":"user","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"leverage","type":"uint16"},
     {"name":"openTimestamp","type":"uint256"},
     {"name":"predictionCommitmentId","type":"string"},
     {"name":"isOpen","type":"bool"},
     {"name":"pnl","type":"int256"},
     {"name":"actualPriceCommitmentId","type":"string"},
     {"name":"closeTimestamp","type":"uint256"}]},
  {"type":"function","name":"canClosePosition","stateMutability":"view",
   "inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"closePosition","stateMutability":"nonpayable",
   "inputs":[{"name":"positionId","type":"uint256"},{"name":"pnl","type":"int256"},{"name":"actualPriceCommitmentId","type":"string"}],
   "outputs":[]},
  {"type":"event","name":"PositionOpened","anonymous":false,
   "inputs":[
     {"name":"positionId","type":"uint256","indexed":true},
     {"name":"user","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"leverage","type":"uint16","indexed":false},
     {"name":"timestamp","type":"uint256","indexed":false},
     {"name":"commitmentId","type":"string","indexed":false}]},
  {"type":"event","name":"PositionClosed","anonymous":false,
   "inputs":[
     {"name":"positionId","type":"uint256","indexed":true},
     {"name":"pnl","type":"int256","indexed":false},
     {"name":"actualPriceCommitmentId","type":"string","indexed":false}]}
]`

var (
	oracleABI    = mustABI(oracleABIJSON)
	positionsABI = mustABI(positionsABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}
