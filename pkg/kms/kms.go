// Package kms wraps the external key-management service (C1). It exposes
// exactly two operations — generate and unwrap — and never exports key
// material unencrypted outside of those two transient return values.
package kms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	smithy "github.com/aws/smithy-go"

	"github.com/aegiscore/vault/internal/telemetry"
)

// ErrKMSUnavailable signals a transport/availability failure talking to KMS.
var ErrKMSUnavailable = errors.New("kms: service unavailable")

// ErrKMSAccessDenied signals the caller's credentials cannot use the key.
var ErrKMSAccessDenied = errors.New("kms: access denied")

// ErrKMSInvalidCiphertext signals a wrapped blob KMS cannot decrypt.
var ErrKMSInvalidCiphertext = errors.New("kms: invalid ciphertext")

// Client is the subset of the AWS KMS API this gateway depends on, so tests
// can substitute a fake without touching AWS.
type Client interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Gateway is the only interface the rest of the system has onto key material.
type Gateway struct {
	client Client
	keyID  string
}

// New builds a Gateway bound to a single KEK (identified by ARN or alias).
func New(client Client, keyID string) *Gateway {
	return &Gateway{client: client, keyID: keyID}
}

// GenerateTenantDEK asks KMS to mint a fresh 256-bit data key. The returned
// plaintext must be used immediately and discarded; only wrapped persists.
func (g *Gateway) GenerateTenantDEK(ctx context.Context) (plaintext []byte, wrapped []byte, err error) {
	start := time.Now()
	out, err := g.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(g.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	telemetry.KMSOperationDuration.WithLabelValues("generate").Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.KMSOperationsTotal.WithLabelValues("generate", "error").Inc()
		return nil, nil, classify(err)
	}
	telemetry.KMSOperationsTotal.WithLabelValues("generate", "ok").Inc()
	return out.Plaintext, out.CiphertextBlob, nil
}

// UnwrapTenantDEK asks KMS to decrypt a previously wrapped blob. The result
// must never be logged and should be discarded by the caller as soon as the
// logical operation using it completes.
func (g *Gateway) UnwrapTenantDEK(ctx context.Context, wrapped []byte) ([]byte, error) {
	start := time.Now()
	out, err := g.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(g.keyID),
		CiphertextBlob: wrapped,
	})
	telemetry.KMSOperationDuration.WithLabelValues("decrypt").Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.KMSOperationsTotal.WithLabelValues("decrypt", "error").Inc()
		return nil, classify(err)
	}
	telemetry.KMSOperationsTotal.WithLabelValues("decrypt", "ok").Inc()
	return out.Plaintext, nil
}

// classify maps AWS SDK errors onto the three fatal error kinds spec.md §4.1
// requires — there is no fallback path for any of them.
func classify(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDeniedException", "NotFoundException":
			return fmt.Errorf("%w: %s", ErrKMSAccessDenied, ae.ErrorMessage())
		case "InvalidCiphertextException":
			return fmt.Errorf("%w: %s", ErrKMSInvalidCiphertext, ae.ErrorMessage())
		}
	}
	return fmt.Errorf("%w: %v", ErrKMSUnavailable, err)
}
