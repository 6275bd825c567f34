package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

const fundPositionType = "FundPosition"

// AuthDomain is the EIP-712 domain users sign relayer authorizations under.
type AuthDomain struct {
	Name    string
	Version string
	ChainID int64
}

// FundAuthorization is the message a user signs to let the relayer open a
// position on their behalf, paid from their ledger balance.
type FundAuthorization struct {
	User         string
	AmountUnits  int64
	Leverage     uint16
	CommitmentID string
	Nonce        uint64
	Deadline     int64
}

// typedData builds the EIP-712 payload. Numeric values are passed as decimal
// strings so apitypes parses them as uint256.
func (d AuthDomain) typedData(a FundAuthorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			fundPositionType: {
				{Name: "userAddress", Type: "address"},
				{Name: "amountUnits", Type: "uint256"},
				{Name: "leverage", Type: "uint16"},
				{Name: "commitmentId", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: fundPositionType,
		Domain: apitypes.TypedDataDomain{
			Name:    d.Name,
			Version: d.Version,
			ChainId: ethmath.NewHexOrDecimal256(d.ChainID),
		},
		Message: apitypes.TypedDataMessage{
			"userAddress":  common.HexToAddress(a.User).Hex(),
			"amountUnits":  strconv.FormatInt(a.AmountUnits, 10),
			"leverage":     strconv.FormatUint(uint64(a.Leverage), 10),
			"commitmentId": a.CommitmentID,
			"nonce":        strconv.FormatUint(a.Nonce, 10),
			"deadline":     strconv.FormatInt(a.Deadline, 10),
		},
	}
}

// Digest returns the 32-byte EIP-712 hash of a.
func (d AuthDomain) Digest(a FundAuthorization) ([]byte, error) {
	if !common.IsHexAddress(a.User) {
		return nil, domain.Invalid("user", "%q is not an address", a.User)
	}
	if a.AmountUnits < 0 || a.Deadline < 0 {
		return nil, domain.Invalid("authorization", "negative amount or deadline")
	}
	hash, _, err := apitypes.TypedDataAndHash(d.typedData(a))
	if err != nil {
		return nil, fmt.Errorf("crypto: hash authorization: %w", err)
	}
	return hash, nil
}

// Recover returns the address that produced sig over a. It accepts v in
// {0,1} or {27,28}.
func (d AuthDomain) Recover(a FundAuthorization, sig string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil || len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto: malformed signature: %w", domain.ErrSignatureInvalid)
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	digest, err := d.Digest(a)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover signer: %w", domain.ErrSignatureInvalid)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig was produced by a.User.
func (d AuthDomain) Verify(a FundAuthorization, sig string) error {
	signer, err := d.Recover(a, sig)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(a.User) {
		return fmt.Errorf("crypto: signed by %s, not %s: %w", signer.Hex(), a.User, domain.ErrSignatureInvalid)
	}
	return nil
}

// Signer signs authorizations with a local key. Clients and tests use it;
// the server only verifies.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	domain  AuthDomain
}

// NewSigner parses a hex secp256k1 key, with or without 0x.
func NewSigner(privateKeyHex string, d AuthDomain) (*Signer, error) {
	pk, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Signer{key: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey), domain: d}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// Sign returns a 65-byte hex signature with v in {27,28}.
func (s *Signer) Sign(a FundAuthorization) (string, error) {
	digest, err := s.domain.Digest(a)
	if err != nil {
		return "", err
	}
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign authorization: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// ParsePrivateKey decodes a hex secp256k1 private key.
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return pk, nil
}
