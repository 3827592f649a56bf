package predictfun

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// refreshWindow is how close to expiry a cached token is replaced.
const refreshWindow = time.Minute

type authMessage struct {
	Message string `json:"message"`
}

type authRequest struct {
	Signer    string `json:"signer"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type authToken struct {
	Token string `json:"token"`
}

// jwtAuth logs in by signing the venue's challenge message and caches the
// resulting bearer token until shortly before it expires.
type jwtAuth struct {
	a      *Adapter
	signer adapter.Signer

	mu      sync.Mutex
	token   string
	expires time.Time // zero when the token carries no exp claim
}

// Token returns a valid JWT, logging in when none is cached or the cached
// one expires within a minute.
func (j *jwtAuth) Token(ctx context.Context) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.token != "" && (j.expires.IsZero() || j.expires.Sub(j.a.now()) > refreshWindow) {
		return j.token, nil
	}
	token, expires, err := j.login(ctx)
	if err != nil {
		return "", err
	}
	j.token, j.expires = token, expires
	return token, nil
}

// Invalidate drops the cached token after the venue rejects it.
func (j *jwtAuth) Invalidate() {
	j.mu.Lock()
	j.token, j.expires = "", time.Time{}
	j.mu.Unlock()
}

func (j *jwtAuth) login(ctx context.Context) (string, time.Time, error) {
	const op = "authenticate"

	var msg envelope[authMessage]
	req := j.a.request(op, http.MethodGet, "/v1/auth/message")
	req.NotFound = adapter.ErrAuthentication
	if err := j.a.exec.DoJSON(ctx, req, &msg); err != nil {
		return "", time.Time{}, adapter.Normalize(adapter.ExchangePredictFun, op, err)
	}
	if msg.Data.Message == "" {
		return "", time.Time{}, adapter.Errorf(adapter.ErrAuthentication, adapter.ExchangePredictFun, op, "empty auth message")
	}

	sig, err := j.signer.SignMessage(ctx, []byte(msg.Data.Message))
	if err != nil {
		return "", time.Time{}, adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangePredictFun, op, err)
	}

	var tok envelope[authToken]
	req = j.a.request(op, http.MethodPost, "/v1/auth")
	req.Body = authRequest{Signer: j.a.maker(), Message: msg.Data.Message, Signature: sig}
	req.BadRequest = adapter.ErrAuthentication
	if err := j.a.exec.DoJSON(ctx, req, &tok); err != nil {
		return "", time.Time{}, adapter.Normalize(adapter.ExchangePredictFun, op, err)
	}
	if tok.Data.Token == "" {
		return "", time.Time{}, adapter.Errorf(adapter.ErrAuthentication, adapter.ExchangePredictFun, op, "no token in response")
	}

	expires, err := tokenExpiry(tok.Data.Token)
	if err != nil {
		return "", time.Time{}, adapter.Wrap(adapter.ErrAuthentication, adapter.ExchangePredictFun, op, err)
	}
	return tok.Data.Token, expires, nil
}

// tokenExpiry reads the exp claim without verifying the signature.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

var errNoSigner = errors.New("signer required for authenticated calls")
