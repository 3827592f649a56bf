package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Handler implements SignerService on top of a SessionManager.
type Handler struct {
	session *SessionManager
}

// NewHandler creates a Handler wired to the given SessionManager.
func NewHandler(session *SessionManager) *Handler {
	return &Handler{session: session}
}

// SignOrder signs a CTF exchange order using EIP-712 typed data. The
// request carries "domain" and "order" objects; the maker amount counts
// against the session value limit.
func (h *Handler) SignOrder(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	domainIn, err := decodeDomain(req.GetFields()["domain"].GetStructValue())
	if err != nil {
		return nil, statusError(err)
	}
	orderIn, err := decodeOrder(req.GetFields()["order"].GetStructValue())
	if err != nil {
		return nil, statusError(err)
	}

	domain, order, value, err := buildOrder(domainIn, orderIn)
	if err != nil {
		return nil, statusError(err)
	}

	sig, err := h.session.Sign(value, domain, order)
	if err != nil {
		return nil, statusError(err)
	}
	return h.signed(sig)
}

// SignMessage signs the hex-encoded "message" field with EIP-191.
func (h *Handler) SignMessage(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw := req.GetFields()["message"].GetStringValue()
	msg, err := hex.DecodeString(trimHex(raw))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "message is not hex: %v", err)
	}

	sig, err := h.session.SignMessage(msg)
	if err != nil {
		return nil, statusError(err)
	}
	return h.signed(sig)
}

// GetSessionStatus returns the current session key status.
func (h *Handler) GetSessionStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := h.session.Status()

	return structpb.NewStruct(map[string]any{
		"active":          st.Active,
		"ttl_seconds":     float64(st.TTLSeconds),
		"max_value_limit": st.MaxValueLimit,
		"value_used":      st.ValueUsed,
		"session_address": st.Address,
	})
}

func (h *Handler) signed(sig []byte) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"signature":      encodeSig(sig),
		"signer_address": h.session.Address(),
		"signed_at":      float64(time.Now().UnixMilli()),
	})
}

func statusError(err error) error {
	switch {
	case errors.Is(err, ErrNoActiveSession):
		return status.Error(codes.FailedPrecondition, "no active session")
	case errors.Is(err, ErrSessionExpired):
		return status.Error(codes.FailedPrecondition, "session expired")
	case errors.Is(err, ErrValueLimitExceeded):
		return status.Error(codes.ResourceExhausted, "cumulative value limit exceeded")
	case errors.Is(err, ErrInvalidOrder):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Errorf(codes.Internal, "signing failed: %v", err)
	}
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

var _ SignerService = (*Handler)(nil)
