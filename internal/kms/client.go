package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Decrypter turns a KMS ciphertext blob into plaintext.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Client wraps the AWS KMS SDK to perform decryption operations.
type Client struct {
	kms   *kms.Client
	keyID string
}

// New creates a KMS Client. If localStackEndpoint is non-empty, the client
// targets that endpoint with dummy credentials (for local development).
// Otherwise it uses the AWS default credential chain (IAM Roles in production).
// keyID, when set, pins decryption to that key.
func New(ctx context.Context, region, keyID, localStackEndpoint string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}

	return &Client{
		kms:   kms.NewFromConfig(cfg, kmsOpts...),
		keyID: keyID,
	}, nil
}

// Decrypt sends the ciphertext blob to KMS and returns the decrypted plaintext bytes.
// The caller is responsible for securing the returned bytes (e.g. mlock).
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	in := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if c.keyID != "" {
		in.KeyId = aws.String(c.keyID)
	}
	out, err := c.kms.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// DecryptKeyFile reads a ciphertext blob from path (raw bytes or base64, as
// written by `aws kms encrypt`) and decrypts it into a 32-byte secp256k1
// key. The plaintext may be raw or hex encoded. Intermediate buffers are
// zeroed; the caller owns the returned slice.
func DecryptKeyFile(ctx context.Context, d Decrypter, path string) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kms: read %s: %w", path, err)
	}
	blob = bytes.TrimSpace(blob)
	if decoded, err := base64.StdEncoding.DecodeString(string(blob)); err == nil {
		blob = decoded
	}

	plain, err := d.Decrypt(ctx, blob)
	if err != nil {
		return nil, err
	}
	if len(plain) == 32 {
		return plain, nil
	}
	defer clear(plain)

	text := bytes.TrimPrefix(bytes.TrimSpace(plain), []byte("0x"))
	if len(text) != 64 {
		return nil, fmt.Errorf("kms: plaintext is %d bytes, want a 32-byte key", len(plain))
	}
	key := make([]byte, 32)
	if _, err := hex.Decode(key, text); err != nil {
		clear(key)
		return nil, fmt.Errorf("kms: plaintext is not a hex key")
	}
	return key, nil
}
