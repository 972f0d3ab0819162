package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Tenant is the root identity record. It carries the wrapped DEK used for
// all of that tenant's envelope-encrypted columns.
type Tenant struct {
	ID                uuid.UUID
	Email             string
	DEKWrapped        []byte
	SettingsEncrypted []byte
	Timezone          string
	CreatedAt         time.Time
	DeletedAt         pgtype.Timestamptz
}

// Identity links a federated-sign-in (provider, subject) pair to a tenant.
// The subject is stored only as a deterministic hash.
type Identity struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Provider     string
	SubjectHash  []byte
	CreatedAt    time.Time
}

// OAuthToken is a per-(tenant, provider) encrypted third-party credential bundle.
type OAuthToken struct {
	TenantID        uuid.UUID
	Provider        string
	EncryptedTokens []byte
	ExpiresAt       pgtype.Timestamptz
	GrantedScopes   []string
	IsValid         bool
	RevokeReason    pgtype.Text
	LastUsedAt      pgtype.Timestamptz
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Person is a contact owned by a tenant. owner_user_id is the RLS anchor.
type Person struct {
	ID            uuid.UUID
	OwnerUserID   uuid.UUID
	IsCoreUser    bool
	Name          string
	Aliases       []string
	Emails        []string
	Phones        []string
	Company       pgtype.Text
	Title         pgtype.Text
	InterestsJSON []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
	EndedAt       pgtype.Timestamptz
}

// Relationship is a directed, categorized edge between two Persons.
type Relationship struct {
	ID          uuid.UUID
	OwnerUserID uuid.UUID
	PersonA     uuid.UUID
	PersonB     uuid.UUID
	Category    string
	RoleA       pgtype.Text
	RoleB       pgtype.Text
	FirstMet    pgtype.Date
	Active      bool
	CreatedAt   time.Time
}

// ExternalID maps a provider's record id to a resolved Person, for entity
// resolution during contact sync (spec §4.9).
type ExternalID struct {
	UserID            uuid.UUID
	Provider          string
	ProviderRecordID  string
	PersonID          uuid.UUID
	Etag              pgtype.Text
	UpdatedAt         time.Time
}

// ChatSession groups ChatMessages and tracks tiering metadata.
type ChatSession struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	MessageCount   int
	LastMessageAt  time.Time
	Archived       bool
	CreatedAt      time.Time
}

// ChatMessage is stored with body/tool-call payloads as ciphertext.
type ChatMessage struct {
	ID                  uuid.UUID
	UserID              uuid.UUID
	SessionID           uuid.UUID
	Role                string
	ModelID             pgtype.Text
	TokenCount           int
	ContentEncrypted    []byte
	ToolCallsEncrypted  []byte
	CreatedAt           time.Time
}

// SyncState is the per-(tenant, provider) sync machine row (spec §4.9).
type SyncState struct {
	UserID               uuid.UUID
	Provider             string
	Status               string
	DeltaToken           pgtype.Text
	ConsecutiveFailures  int
	NextRunAt            time.Time
	LastFullSync         pgtype.Timestamptz
	LastIncrementalSync  pgtype.Timestamptz
	LastError            pgtype.Text
	UpdatedAt            time.Time
}

// PIIAuditEntry records counts only, never original values (spec §4.6).
type PIIAuditEntry struct {
	ID         uuid.UUID
	UserID     pgtype.UUID
	RequestID  string
	Endpoint   string
	ToolName   pgtype.Text
	Mode       string
	Counts     []byte // json
	CreatedAt  time.Time
}

// AuditEntry is a general, non-sensitive append-only audit row.
type AuditEntry struct {
	ID         uuid.UUID
	UserID     pgtype.UUID
	SessionID  pgtype.UUID
	Action     string
	Resource   string
	ResourceID pgtype.UUID
	Detail     []byte // json
	IP         pgtype.Text
	UserAgent  pgtype.Text
	RequestID  pgtype.Text
	Success    bool
	Error      pgtype.Text
	CreatedAt  time.Time
}

// APIKey is a secondary bearer credential scoped to one tenant.
type APIKey struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	KeyHash    []byte
	KeyPrefix  string
	Scopes     []string
	ExpiresAt  pgtype.Timestamptz
	LastUsedAt pgtype.Timestamptz
	CreatedAt  time.Time
}

// PersonalAccessToken is a third bearer credential, scoped to one tenant,
// intended for CLI and script use (spec §5 supplemented features).
type PersonalAccessToken struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Name       string
	TokenHash  []byte
	Prefix     string
	ExpiresAt  pgtype.Timestamptz
	LastUsedAt pgtype.Timestamptz
	CreatedAt  time.Time
}
