package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

var ErrEmptyCiphertext = errors.New("kms: empty ciphertext")

// api is the subset of the KMS SDK the client calls.
type api interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Client wraps the AWS KMS SDK to perform decryption operations.
type Client struct {
	kms api
}

// New creates a KMS Client. If localStackEndpoint is non-empty, the client
// targets that endpoint with dummy credentials (for local development).
// Otherwise it uses the AWS default credential chain.
func New(ctx context.Context, region, localStackEndpoint string) (*Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
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
	return &Client{kms: kms.NewFromConfig(cfg, kmsOpts...)}, nil
}

// Decrypt returns the plaintext of a raw ciphertext blob. The caller owns
// the returned bytes and should move them into protected memory.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyCiphertext
	}
	out, err := c.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// DecryptBase64 decodes a base64 ciphertext, as stored in configuration,
// and decrypts it.
func (c *Client) DecryptBase64(ctx context.Context, b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	return c.Decrypt(ctx, raw)
}
