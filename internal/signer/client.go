package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/meridian/internal/adapter"
)

// Client talks to a signer daemon over its Unix socket. It implements
// adapter.Signer so venues never hold key material.
type Client struct {
	conn    *grpc.ClientConn
	address string
}

// SessionStatus describes the signer's session key.
type SessionStatus struct {
	Active        bool
	TTLSeconds    int64
	MaxValueLimit string
	ValueUsed     string
	Address       string
}

// Dial connects to the daemon at socketPath and requires an active session.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial signer %s: %w", socketPath, err)
	}
	c := &Client{conn: conn}

	st, err := c.Status(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !st.Active {
		conn.Close()
		return nil, ErrNoActiveSession
	}
	c.address = st.Address
	return c, nil
}

// Status fetches the daemon's session status.
func (c *Client) Status(ctx context.Context) (SessionStatus, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetSessionStatus, &structpb.Struct{}, out); err != nil {
		return SessionStatus{}, fmt.Errorf("get session status: %w", err)
	}
	f := out.GetFields()
	return SessionStatus{
		Active:        f["active"].GetBoolValue(),
		TTLSeconds:    int64(f["ttl_seconds"].GetNumberValue()),
		MaxValueLimit: f["max_value_limit"].GetStringValue(),
		ValueUsed:     f["value_used"].GetStringValue(),
		Address:       f["session_address"].GetStringValue(),
	}, nil
}

// Address returns the session address observed at dial time.
func (c *Client) Address() string { return c.address }

func (c *Client) SignOrder(ctx context.Context, d adapter.OrderDomain, o adapter.SignableOrder) (string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"domain": domainStruct(d),
		"order":  orderStruct(o),
	})
	if err != nil {
		return "", fmt.Errorf("encode sign order request: %w", err)
	}
	return c.sign(ctx, methodSignOrder, req)
}

func (c *Client) SignMessage(ctx context.Context, msg []byte) (string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"message": hex.EncodeToString(msg),
	})
	if err != nil {
		return "", fmt.Errorf("encode sign message request: %w", err)
	}
	return c.sign(ctx, methodSignMessage, req)
}

func (c *Client) sign(ctx context.Context, method string, req *structpb.Struct) (string, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, out); err != nil {
		return "", err
	}
	sig := out.GetFields()["signature"].GetStringValue()
	if sig == "" {
		return "", errors.New("signer returned an empty signature")
	}
	return sig, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

var _ adapter.Signer = (*Client)(nil)
