package signer

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoActiveSession    = errors.New("no active session")
	ErrSessionExpired     = errors.New("session expired")
	ErrValueLimitExceeded = errors.New("cumulative value limit exceeded")
	ErrInvalidOrder       = errors.New("invalid order")
)

// EIP-712 type hashes.
var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))

	// The CTF exchange order struct, shared by Polymarket and Predict.fun.
	orderTypeHash = crypto.Keccak256Hash([]byte(
		"Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)",
	))
)

// OrderData holds the fields needed to produce an EIP-712 Order struct hash.
type OrderData struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// DomainData holds the EIP-712 domain separator fields.
type DomainData struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// SessionManager holds a decrypted session key in locked memory with TTL
// and cumulative value-limit enforcement. The key is encrypted at rest via
// memguard.Enclave and only opened momentarily while signing.
type SessionManager struct {
	mu            sync.RWMutex
	enclave       *memguard.Enclave
	address       string
	expiresAt     time.Time
	maxValueLimit *big.Int // micro-USD (6 decimals) across venues
	valueUsed     *big.Int
	ttl           time.Duration

	nowFunc func() time.Time
}

// NewSessionManager creates a manager with the given default TTL.
// No session is active until Activate is called.
func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{
		ttl:       ttl,
		valueUsed: new(big.Int),
		nowFunc:   time.Now,
	}
}

// Activate seals keyBytes into a memguard Enclave, derives the address,
// sets expiry and resets counters. memguard wipes keyBytes.
func (sm *SessionManager) Activate(keyBytes []byte, maxValueLimit *big.Int) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	privKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(privKey.PublicKey)

	sm.enclave = memguard.NewEnclave(keyBytes)
	sm.expiresAt = sm.nowFunc().Add(sm.ttl)
	sm.maxValueLimit = new(big.Int).Set(maxValueLimit)
	sm.valueUsed = new(big.Int)
	sm.address = addr.Hex()

	return nil
}

// Address returns the session's signing address, or "" when inactive.
func (sm *SessionManager) Address() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.address
}

// Sign computes the EIP-712 digest of order and returns a 65-byte
// signature (r || s || v). orderValue counts against the session limit and
// is committed only when signing succeeds.
func (sm *SessionManager) Sign(orderValue *big.Int, domain *DomainData, order *OrderData) ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.checkLocked(); err != nil {
		return nil, err
	}

	newTotal := new(big.Int).Add(sm.valueUsed, orderValue)
	if newTotal.Cmp(sm.maxValueLimit) > 0 {
		return nil, ErrValueLimitExceeded
	}

	digest := eip712Digest(hashDomain(domain), hashOrder(order))
	sig, err := sm.signLocked(digest.Bytes())
	if err != nil {
		return nil, err
	}

	sm.valueUsed.Set(newTotal)
	return sig, nil
}

// SignMessage returns an EIP-191 personal_sign signature over msg. Messages
// carry no value and do not touch the limit.
func (sm *SessionManager) SignMessage(msg []byte) ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.checkLocked(); err != nil {
		return nil, err
	}
	return sm.signLocked(accounts.TextHash(msg))
}

func (sm *SessionManager) checkLocked() error {
	if sm.enclave == nil {
		return ErrNoActiveSession
	}
	if sm.isExpired() {
		sm.destroyLocked()
		return ErrSessionExpired
	}
	return nil
}

// signLocked opens the enclave for one ECDSA signature. Caller must hold sm.mu.
func (sm *SessionManager) signLocked(digest []byte) ([]byte, error) {
	buf, err := sm.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open enclave: %w", err)
	}
	privKey, err := crypto.ToECDSA(buf.Bytes())
	buf.Destroy()
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	sig, err := crypto.Sign(digest, privKey)
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}

	// 0/1 → 27/28.
	sig[64] += 27
	return sig, nil
}

// Status returns a snapshot of the current session. Monetary values are
// decimal strings in micro-USD.
func (sm *SessionManager) Status() SessionStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if sm.enclave == nil || sm.isExpired() {
		return SessionStatus{MaxValueLimit: "0", ValueUsed: "0"}
	}

	remaining := sm.expiresAt.Sub(sm.nowFunc()).Seconds()
	if remaining < 0 {
		remaining = 0
	}

	return SessionStatus{
		Active:        true,
		TTLSeconds:    int64(remaining),
		MaxValueLimit: sm.maxValueLimit.String(),
		ValueUsed:     sm.valueUsed.String(),
		Address:       sm.address,
	}
}

// Destroy drops the enclave, resetting all session state.
func (sm *SessionManager) Destroy() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.destroyLocked()
}

// destroyLocked performs the actual cleanup. Caller must hold sm.mu.
func (sm *SessionManager) destroyLocked() {
	sm.enclave = nil
	sm.address = ""
	sm.valueUsed = new(big.Int)
	sm.maxValueLimit = nil
}

// isExpired checks whether the session TTL has elapsed. Caller must hold sm.mu.
func (sm *SessionManager) isExpired() bool {
	return sm.nowFunc().After(sm.expiresAt)
}

// hashDomain computes the EIP-712 domain separator hash.
func hashDomain(d *DomainData) common.Hash {
	return crypto.Keccak256Hash(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		common.LeftPadBytes(d.ChainID.Bytes(), 32),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// hashOrder computes the EIP-712 struct hash for a CTF exchange Order. Every
// member encodes as one left-padded 32-byte word.
func hashOrder(o *OrderData) common.Hash {
	words := [][]byte{
		orderTypeHash.Bytes(),
		o.Salt.Bytes(),
		o.Maker.Bytes(),
		o.Signer.Bytes(),
		o.Taker.Bytes(),
		o.TokenID.Bytes(),
		o.MakerAmount.Bytes(),
		o.TakerAmount.Bytes(),
		o.Expiration.Bytes(),
		o.Nonce.Bytes(),
		o.FeeRateBps.Bytes(),
		{o.Side},
		{o.SignatureType},
	}
	for i, w := range words {
		words[i] = common.LeftPadBytes(w, 32)
	}
	return crypto.Keccak256Hash(words...)
}

// eip712Digest computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Digest(domainHash, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		domainHash.Bytes(),
		structHash.Bytes(),
	)
}
