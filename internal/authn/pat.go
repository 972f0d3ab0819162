package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aegiscore/vault/internal/db"
)

// PATPrefix identifies personal access tokens on the wire, mirroring the
// convention of putting a recognizable prefix on long-lived bearer secrets.
const PATPrefix = "vlt_pat_"

// PATAuthenticator validates personal access tokens.
type PATAuthenticator struct {
	DB db.DBTX
}

// PATResult holds the resolved identity data from a PAT lookup.
type PATResult struct {
	TokenID  uuid.UUID
	TenantID uuid.UUID
}

// Authenticate validates a raw PAT string by hash lookup and expiry check.
func (a *PATAuthenticator) Authenticate(ctx context.Context, rawToken string) (*PATResult, error) {
	if len(rawToken) < len(PATPrefix)+8 {
		return nil, fmt.Errorf("token too short")
	}

	hash := HashCredential(rawToken)

	q := db.New(a.DB)
	pat, err := q.GetPATByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("personal access token not found")
		}
		return nil, fmt.Errorf("looking up personal access token: %w", err)
	}

	if pat.ExpiresAt.Valid && pat.ExpiresAt.Time.Before(time.Now()) {
		return nil, fmt.Errorf("personal access token expired at %s", pat.ExpiresAt.Time)
	}

	go func() {
		_ = q.TouchPATLastUsed(context.Background(), pat.ID)
	}()

	return &PATResult{TokenID: pat.ID, TenantID: pat.TenantID}, nil
}
