package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	headerKey       = "KALSHI-ACCESS-KEY"
	headerTimestamp = "KALSHI-ACCESS-TIMESTAMP"
	headerSignature = "KALSHI-ACCESS-SIGNATURE"
)

// Auth signs Kalshi requests with an RSA key. The signed message is the
// millisecond timestamp, the upper-case method and the URL path without
// its query string.
type Auth struct {
	apiKey string
	key    *rsa.PrivateKey
	now    func() time.Time
}

// NewAuth parses a PEM-encoded RSA private key, PKCS#8 first and PKCS#1 as
// a fallback.
func NewAuth(apiKey string, privateKeyPEM []byte) (*Auth, error) {
	if apiKey == "" {
		return nil, errors.New("kalshi: api key id is empty")
	}
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Auth{apiKey: apiKey, key: key, now: time.Now}, nil
}

func parsePrivateKey(privateKeyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("kalshi: failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("kalshi: key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse private key: %w", err)
	}
	return rsaKey, nil
}

// Headers returns the three KALSHI-ACCESS headers for one request.
func (a *Auth) Headers(method, path string) (http.Header, error) {
	ts := strconv.FormatInt(a.now().UnixMilli(), 10)
	sig, err := a.sign(ts + method + path)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set(headerKey, a.apiKey)
	headers.Set(headerTimestamp, ts)
	headers.Set(headerSignature, sig)
	return headers, nil
}

func (a *Auth) sign(msg string) (string, error) {
	h := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, a.key, crypto.SHA256, h[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("kalshi: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Sign is an executor hook: it sets fresh headers on every attempt.
func (a *Auth) Sign(r *http.Request, _ []byte) error {
	h, err := a.Headers(r.Method, r.URL.Path)
	if err != nil {
		return err
	}
	for k, vs := range h {
		r.Header[k] = vs
	}
	return nil
}
