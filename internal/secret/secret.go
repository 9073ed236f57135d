// Package secret keeps credentials in memguard enclaves between
// configuration loading and use.
package secret

import (
	"context"
	"fmt"

	"github.com/awnumar/memguard"
)

// Decrypter turns a base64 ciphertext into plaintext. *kms.Client
// satisfies it.
type Decrypter interface {
	DecryptBase64(ctx context.Context, b64 string) ([]byte, error)
}

// Resolve seals a credential into an enclave. A ciphertext takes precedence
// and requires d; otherwise plaintext is sealed as is. Both empty yields a
// nil enclave.
func Resolve(ctx context.Context, d Decrypter, plaintext, ciphertext string) (*memguard.Enclave, error) {
	if ciphertext != "" {
		if d == nil {
			return nil, fmt.Errorf("secret: ciphertext given without a decrypter")
		}
		pt, err := d.DecryptBase64(ctx, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("secret: %w", err)
		}
		// NewEnclave wipes pt.
		return memguard.NewEnclave(pt), nil
	}
	if plaintext == "" {
		return nil, nil
	}
	return memguard.NewEnclave([]byte(plaintext)), nil
}

// Reveal opens e and returns a copy of its contents. A nil enclave reveals
// as "".
func Reveal(e *memguard.Enclave) (string, error) {
	if e == nil {
		return "", nil
	}
	lb, err := e.Open()
	if err != nil {
		return "", fmt.Errorf("secret: open enclave: %w", err)
	}
	defer lb.Destroy()
	return string(lb.Bytes()), nil
}
