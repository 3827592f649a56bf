package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeDecrypter struct {
	want  []byte
	plain []byte
	err   error
}

func (f *fakeDecrypter) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !bytes.Equal(ciphertext, f.want) {
		return nil, errors.New("unexpected ciphertext")
	}
	return append([]byte(nil), f.plain...), nil
}

func writeBlob(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.key.enc")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecryptKeyFile(t *testing.T) {
	key := bytes.Repeat([]byte{0xab}, 32)
	blob := []byte{0x01, 0x02, 0x03, 0xff}

	tests := []struct {
		name  string
		file  []byte
		plain []byte
	}{
		{"raw blob raw key", blob, key},
		{"base64 blob", []byte(base64.StdEncoding.EncodeToString(blob) + "\n"), key},
		{"hex plaintext", blob, []byte("0x" + hex.EncodeToString(key) + "\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDecrypter{want: blob, plain: tt.plain}
			got, err := DecryptKeyFile(context.Background(), d, writeBlob(t, tt.file))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, key) {
				t.Errorf("key = %x", got)
			}
		})
	}
}

func TestDecryptKeyFile_Errors(t *testing.T) {
	blob := []byte{0x07, 0xfe}

	if _, err := DecryptKeyFile(context.Background(), &fakeDecrypter{}, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}

	boom := errors.New("access denied")
	if _, err := DecryptKeyFile(context.Background(), &fakeDecrypter{err: boom}, writeBlob(t, blob)); !errors.Is(err, boom) {
		t.Errorf("expected decrypt error, got %v", err)
	}

	short := &fakeDecrypter{want: blob, plain: []byte("too short")}
	if _, err := DecryptKeyFile(context.Background(), short, writeBlob(t, blob)); err == nil {
		t.Error("expected error for short plaintext")
	}
}
