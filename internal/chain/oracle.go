package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// Oracle anchors window commitments on-chain, keyed by window start.
type Oracle struct {
	backend Backend
	address common.Address
}

func NewOracle(backend Backend, address string) (*Oracle, error) {
	if !common.IsHexAddress(address) {
		return nil, domain.Invalid("oracle_address", "%q is not an address", address)
	}
	return &Oracle{backend: backend, address: common.HexToAddress(address)}, nil
}

// Anchor calls storeCommitment. Re-anchoring a window overwrites the
// on-chain value.
func (o *Oracle) Anchor(ctx context.Context, windowStart int64, commitmentID string) (string, error) {
	if err := validateWindowStart(windowStart); err != nil {
		return "", err
	}
	commitment, err := domain.ParseCommitmentID(commitmentID)
	if err != nil {
		return "", err
	}

	data, err := oracleABI.Pack("storeCommitment", big.NewInt(windowStart), commitment)
	if err != nil {
		return "", domain.External("chain", "storeCommitment", err)
	}
	receipt, err := o.backend.Transact(ctx, "storeCommitment", o.address, nil, data)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// Get returns the anchored commitment for windowStart; found is false
// while the oracle still holds the zero value.
func (o *Oracle) Get(ctx context.Context, windowStart int64) (string, bool, error) {
	if err := validateWindowStart(windowStart); err != nil {
		return "", false, err
	}
	data, err := oracleABI.Pack("getCommitment", big.NewInt(windowStart))
	if err != nil {
		return "", false, domain.External("chain", "getCommitment", err)
	}
	out, err := o.backend.Call(ctx, o.address, data)
	if err != nil {
		return "", false, domain.External("chain", "getCommitment", err)
	}
	vals, err := oracleABI.Unpack("getCommitment", out)
	if err != nil {
		return "", false, domain.External("chain", "getCommitment", err)
	}
	hash, ok := vals[0].([32]byte)
	if !ok {
		return "", false, domain.External("chain", "getCommitment", errUnexpected("bytes32", vals[0]))
	}
	if hash == ([32]byte{}) {
		return "", false, nil
	}
	return domain.FormatCommitmentID(hash), true, nil
}

func validateWindowStart(windowStart int64) error {
	if windowStart <= 0 {
		return domain.Invalid("window_start", "must be positive, got %d", windowStart)
	}
	if !domain.IsMinuteAligned(windowStart) {
		return domain.Invalid("window_start", "%d is not a multiple of 60", windowStart)
	}
	return nil
}

var _ domain.OracleAnchor = (*Oracle)(nil)
