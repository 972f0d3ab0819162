package chatstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/pkg/crypto"
	"github.com/aegiscore/vault/pkg/tenant"
)

// S3Client is the subset of the S3 API the cold tier depends on, narrowed so
// tests can substitute a fake without touching AWS.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ColdTier is the archive destination for chat sessions past the warm
// tier's retention window (spec §4.7).
type ColdTier struct {
	client S3Client
	bucket string
}

// NewColdTier builds a cold tier bound to a single bucket.
func NewColdTier(client S3Client, bucket string) *ColdTier {
	return &ColdTier{client: client, bucket: bucket}
}

// archiveBundle is the packaged, gzip-compressed, then encrypted payload
// written to the object store for one session.
type archiveBundle struct {
	SessionID     uuid.UUID `json:"session_id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	ArchivedAt    time.Time `json:"archived_at"`
	MessageCount  int       `json:"message_count"`
	Messages      []Message `json:"messages"`
}

func archiveKey(tenantID, sessionID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("chat-archive/%s/%04d/%02d/session-%s.json.gz.enc", tenantID, at.Year(), at.Month(), sessionID)
}

// ArchiveSession implements the archive path: pull every warm-tier message
// for a session, package and compress it, encrypt under the tenant DEK,
// upload to the cold tier, mark the warm session archived, and drop any
// cached hot-tier tail (spec §4.7).
func (s *Store) ArchiveSession(ctx context.Context, tenantID, sessionID uuid.UUID) error {
	if s.cold == nil {
		return fmt.Errorf("chatstore: no cold tier configured")
	}

	dc := tenant.NewDEKCache(s.pool, s.gw)
	dek, err := dc.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("chatstore: unwrapping tenant dek: %w", err)
	}

	var rows []db.ChatMessage
	err = tenant.WithTenantConn(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		var err error
		rows, err = db.New(tx).ListAllMessages(ctx, tenantID, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("chatstore: listing messages to archive: %w", err)
	}

	messages := make([]Message, 0, len(rows))
	for _, r := range rows {
		m, err := decryptMessage(dek, r)
		if err != nil {
			return err
		}
		messages = append(messages, m)
	}

	bundle := archiveBundle{
		SessionID:    sessionID,
		TenantID:     tenantID,
		ArchivedAt:   time.Now().UTC(),
		MessageCount: len(messages),
		Messages:     messages,
	}
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("chatstore: marshaling archive bundle: %w", err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(plaintext); err != nil {
		return fmt.Errorf("chatstore: compressing archive bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("chatstore: flushing archive compression: %w", err)
	}

	ciphertext, err := crypto.EncryptForTenant(dek, compressed.Bytes())
	if err != nil {
		return fmt.Errorf("chatstore: encrypting archive bundle: %w", err)
	}

	key := archiveKey(tenantID, sessionID, bundle.ArchivedAt)
	if err := s.cold.put(ctx, key, ciphertext); err != nil {
		return fmt.Errorf("chatstore: uploading archive: %w", err)
	}

	err = tenant.WithTenantConn(ctx, s.pool, tenantID, func(tx pgx.Tx) error {
		return db.New(tx).MarkSessionArchived(ctx, tenantID, sessionID)
	})
	if err != nil {
		return fmt.Errorf("chatstore: marking session archived: %w", err)
	}

	s.invalidateHot(ctx, tenantID, sessionID, nil)
	return nil
}

// RestoreSession implements the cold-tier read path: fetch, decrypt and
// decompress the archived bundle for a session. A deep-archive storage
// class may require an earlier restore request; callers should treat
// ErrRestorePending as "try again later", not as a failure.
func (s *Store) RestoreSession(ctx context.Context, tenantID, sessionID uuid.UUID, archivedAt time.Time) ([]Message, error) {
	if s.cold == nil {
		return nil, fmt.Errorf("chatstore: no cold tier configured")
	}

	dc := tenant.NewDEKCache(s.pool, s.gw)
	dek, err := dc.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: unwrapping tenant dek: %w", err)
	}

	key := archiveKey(tenantID, sessionID, archivedAt)
	ciphertext, err := s.cold.get(ctx, key)
	if err != nil {
		return nil, err
	}

	compressed, err := crypto.DecryptForTenant(dek, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("chatstore: decrypting archive bundle: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("chatstore: decompressing archive bundle: %w", err)
	}
	defer gz.Close()
	plaintext, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("chatstore: reading decompressed archive: %w", err)
	}

	var bundle archiveBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("chatstore: unmarshaling archive bundle: %w", err)
	}
	return bundle.Messages, nil
}

// ErrRestorePending signals the object exists in a tier (e.g. Glacier Deep
// Archive) that requires an out-of-band restore request before GetObject
// succeeds. Callers should poll rather than retry immediately.
var ErrRestorePending = fmt.Errorf("chatstore: archive restore in progress, retry later")

func (c *ColdTier) put(ctx context.Context, key string, data []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (c *ColdTier) get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyGetErr(err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// classifyGetErr detects S3's "InvalidObjectState", returned when a
// Glacier-tier object hasn't been restored to a retrievable state yet.
func classifyGetErr(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == "InvalidObjectState" {
		return ErrRestorePending
	}
	return fmt.Errorf("chatstore: fetching archive object: %w", err)
}
