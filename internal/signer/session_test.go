package signer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

func activeSession(t *testing.T, limit int64) (*SessionManager, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sm := NewSessionManager(time.Minute)
	if err := sm.Activate(crypto.FromECDSA(key), big.NewInt(limit)); err != nil {
		t.Fatal(err)
	}
	return sm, crypto.PubkeyToAddress(key.PublicKey)
}

func TestSession_NoActiveSession(t *testing.T) {
	sm := NewSessionManager(time.Minute)
	if _, err := sm.SignMessage([]byte("hi")); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if sm.Status().Active {
		t.Error("expected inactive status")
	}
}

func TestSession_Expiry(t *testing.T) {
	sm, _ := activeSession(t, 100)

	now := time.Now()
	sm.nowFunc = func() time.Time { return now.Add(2 * time.Minute) }

	if sm.Status().Active {
		t.Error("expected expired session to report inactive")
	}
	if _, err := sm.SignMessage([]byte("hi")); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	// Expiry destroys the key.
	if _, err := sm.SignMessage([]byte("hi")); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession after expiry, got %v", err)
	}
	if sm.Address() != "" {
		t.Errorf("address should be cleared, got %s", sm.Address())
	}
}

func TestSession_RejectedOrderDoesNotConsumeLimit(t *testing.T) {
	sm, _ := activeSession(t, 100)
	domain := &DomainData{Name: "x", Version: "1", ChainID: big.NewInt(137)}
	order := &OrderData{
		Salt: new(big.Int), TokenID: new(big.Int), MakerAmount: big.NewInt(80),
		TakerAmount: new(big.Int), Expiration: new(big.Int), Nonce: new(big.Int), FeeRateBps: new(big.Int),
	}

	if _, err := sm.Sign(big.NewInt(80), domain, order); err != nil {
		t.Fatalf("first sign: %v", err)
	}
	if _, err := sm.Sign(big.NewInt(30), domain, order); !errors.Is(err, ErrValueLimitExceeded) {
		t.Fatalf("expected ErrValueLimitExceeded, got %v", err)
	}
	if _, err := sm.Sign(big.NewInt(20), domain, order); err != nil {
		t.Fatalf("sign within remaining limit: %v", err)
	}
	if used := sm.Status().ValueUsed; used != "100" {
		t.Errorf("value used = %s, want 100", used)
	}
}

func TestSession_SignMessageRecovers(t *testing.T) {
	sm, addr := activeSession(t, 0)

	msg := []byte("login nonce 1")
	sig, err := sm.SignMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v = %d", sig[64])
	}
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		t.Fatal(err)
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		t.Error("signature does not recover to the session address")
	}
	// Messages do not count against the limit, which is zero here.
	if used := sm.Status().ValueUsed; used != "0" {
		t.Errorf("value used = %s", used)
	}
}

func TestBuildOrder(t *testing.T) {
	d := adapter.OrderDomain{Name: "predict.fun CTF Exchange", Version: "1", ChainID: 56, VerifyingContract: "0x8BC070BEdAB741406F4B1Eb65A72bee27894B689"}
	o := adapter.SignableOrder{
		Salt: "7", Maker: "0x1111111111111111111111111111111111111111", TokenID: "222",
		MakerAmount: "52000000000000000000", TakerAmount: "100000000000000000000",
		Side: 1, SignatureType: 0,
	}

	domain, order, value, err := buildOrder(d, o)
	if err != nil {
		t.Fatalf("buildOrder: %v", err)
	}
	if domain.ChainID.Int64() != 56 || domain.VerifyingContract != common.HexToAddress(d.VerifyingContract) {
		t.Errorf("domain: %+v", domain)
	}
	if order.Signer != order.Maker {
		t.Error("signer should default to maker")
	}
	if order.Taker != (common.Address{}) {
		t.Error("empty taker should be the zero address")
	}
	if order.Expiration.Sign() != 0 || order.Nonce.Sign() != 0 {
		t.Error("empty integers should be zero")
	}
	// 52 USDT at 18 decimals is 52_000_000 micro-USD.
	if value.Cmp(big.NewInt(52_000_000)) != 0 {
		t.Errorf("value = %s, want 52000000", value)
	}
}

func TestBuildOrder_Invalid(t *testing.T) {
	good := adapter.SignableOrder{Maker: "0x1111111111111111111111111111111111111111", MakerAmount: "1"}
	domain := adapter.OrderDomain{ChainID: 137, VerifyingContract: "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"}

	tests := []struct {
		name   string
		domain adapter.OrderDomain
		mutate func(*adapter.SignableOrder)
	}{
		{"bad contract", adapter.OrderDomain{ChainID: 137, VerifyingContract: "0x12"}, func(*adapter.SignableOrder) {}},
		{"bad maker", domain, func(o *adapter.SignableOrder) { o.Maker = "maker" }},
		{"bad signer", domain, func(o *adapter.SignableOrder) { o.Signer = "0xzz" }},
		{"negative amount", domain, func(o *adapter.SignableOrder) { o.MakerAmount = "-5" }},
		{"decimal amount", domain, func(o *adapter.SignableOrder) { o.TakerAmount = "1.5" }},
		{"bad side", domain, func(o *adapter.SignableOrder) { o.Side = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := good
			tt.mutate(&o)
			if _, _, _, err := buildOrder(tt.domain, o); !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
}

func TestOrderValue(t *testing.T) {
	tests := []struct {
		chain int64
		in    string
		want  string
	}{
		{137, "1500000", "1500000"},
		{97, "1500000000000000000", "1500000"},
		{1, "42", "42"},
	}
	for _, tt := range tests {
		in, _ := new(big.Int).SetString(tt.in, 10)
		if got := orderValue(tt.chain, in).String(); got != tt.want {
			t.Errorf("orderValue(%d, %s) = %s, want %s", tt.chain, tt.in, got, tt.want)
		}
	}
}

func TestLocalSigner(t *testing.T) {
	sm, addr := activeSession(t, 10_000_000)
	l := NewLocal(sm)

	if l.Address() != addr.Hex() {
		t.Errorf("address = %s, want %s", l.Address(), addr.Hex())
	}

	sig, err := l.SignOrder(context.Background(),
		adapter.OrderDomain{Name: "Polymarket CTF Exchange", Version: "1", ChainID: 137, VerifyingContract: "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"},
		adapter.SignableOrder{Maker: addr.Hex(), TokenID: "1", MakerAmount: "5000000", TakerAmount: "10000000"},
	)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	raw, err := hexutil.Decode(sig)
	if err != nil || len(raw) != 65 {
		t.Fatalf("signature %q: %v", sig, err)
	}

	msgSig, err := l.SignMessage(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if !strings.HasPrefix(msgSig, "0x") || len(msgSig) != 132 {
		t.Errorf("message signature %q", msgSig)
	}

	if _, err := l.SignOrder(context.Background(),
		adapter.OrderDomain{ChainID: 137, VerifyingContract: "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"},
		adapter.SignableOrder{Maker: addr.Hex(), MakerAmount: "6000000"},
	); !errors.Is(err, ErrValueLimitExceeded) {
		t.Fatalf("expected ErrValueLimitExceeded, got %v", err)
	}
}
