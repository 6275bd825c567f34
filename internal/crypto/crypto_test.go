package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var testDomain = AuthDomain{Name: "DrawSettle Relayer", Version: "1", ChainID: 31337}

func testAuth(user string) FundAuthorization {
	return FundAuthorization{
		User:         user,
		AmountUnits:  250,
		Leverage:     10,
		CommitmentID: "0x" + "ab" + "00000000000000000000000000000000000000000000000000000000000000",
		Nonce:        3,
		Deadline:     1_900_000_000,
	}
}

func TestSignAndVerify(t *testing.T) {
	s, err := NewSigner("0x"+testKey, testDomain)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	auth := testAuth(s.Address().Hex())
	sig, err := s.Sign(auth)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 132 {
		t.Fatalf("signature length = %d, want 132", len(sig))
	}
	if err := testDomain.Verify(auth, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	got, err := testDomain.Recover(auth, sig)
	if err != nil || got != s.Address() {
		t.Fatalf("Recover = (%s, %v), want %s", got.Hex(), err, s.Address().Hex())
	}
}

func TestVerify_RejectsTampering(t *testing.T) {
	s, _ := NewSigner(testKey, testDomain)
	auth := testAuth(s.Address().Hex())
	sig, _ := s.Sign(auth)

	mutations := map[string]func(*FundAuthorization){
		"amount":   func(a *FundAuthorization) { a.AmountUnits++ },
		"leverage": func(a *FundAuthorization) { a.Leverage = 11 },
		"nonce":    func(a *FundAuthorization) { a.Nonce = 4 },
		"deadline": func(a *FundAuthorization) { a.Deadline++ },
		"user":     func(a *FundAuthorization) { a.User = "0x000000000000000000000000000000000000dEaD" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			a := auth
			mutate(&a)
			if err := testDomain.Verify(a, sig); !errors.Is(err, domain.ErrSignatureInvalid) {
				t.Errorf("err = %v, want ErrSignatureInvalid", err)
			}
		})
	}

	other := testDomain
	other.ChainID = 1
	if err := other.Verify(auth, sig); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Errorf("cross-chain err = %v, want ErrSignatureInvalid", err)
	}
}

func TestVerify_MalformedSignature(t *testing.T) {
	auth := testAuth("0x000000000000000000000000000000000000dEaD")
	for _, sig := range []string{"", "0x1234", "zz"} {
		if err := testDomain.Verify(auth, sig); !errors.Is(err, domain.ErrSignatureInvalid) {
			t.Errorf("Verify(%q) err = %v, want ErrSignatureInvalid", sig, err)
		}
	}
	if _, err := testDomain.Digest(testAuth("not-an-address")); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad user err = %v, want ErrValidation", err)
	}
}

func TestEncryptedKeyFile(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	pk, err := LoadKey(KeySource{File: path, Password: "hunter2"})
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	want, _ := ParsePrivateKey(testKey)
	if ethcrypto.PubkeyToAddress(pk.PublicKey) != ethcrypto.PubkeyToAddress(want.PublicKey) {
		t.Error("decrypted key does not match")
	}
	if _, err := LoadKey(KeySource{File: path, Password: "wrong"}); err == nil {
		t.Error("wrong password accepted")
	}
	if _, err := LoadKey(KeySource{}); err == nil {
		t.Error("empty source accepted")
	}
}

func TestWebhookAuth(t *testing.T) {
	h := &WebhookAuth{Secret: "s3cret", MaxSkew: time.Minute}
	now := time.Unix(1_700_000_000, 0)
	body := `{"user":"0xabc","amount":5}`
	hdr := h.Headers("POST", "/api/ledger/deposits", body, now)

	if err := h.Verify("POST", "/api/ledger/deposits", body, hdr[HeaderTimestamp], hdr[HeaderSignature], now.Add(10*time.Second)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := h.Verify("POST", "/api/ledger/deposits", body+" ", hdr[HeaderTimestamp], hdr[HeaderSignature], now); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("tampered body err = %v", err)
	}
	if err := h.Verify("POST", "/api/ledger/deposits", body, hdr[HeaderTimestamp], hdr[HeaderSignature], now.Add(2*time.Minute)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("stale err = %v", err)
	}
	if got := h.String(); got != "WebhookAuth{secret=s3cr****, max_skew=1m0s}" {
		t.Errorf("String = %q", got)
	}
}
