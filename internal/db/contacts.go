package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const personColumns = `id, owner_user_id, is_core_user, name, aliases, emails, phones, company, title, interests_json, created_at, updated_at, ended_at`

func scanPerson(row pgx.Row) (Person, error) {
	var p Person
	err := row.Scan(&p.ID, &p.OwnerUserID, &p.IsCoreUser, &p.Name, &p.Aliases, &p.Emails, &p.Phones,
		&p.Company, &p.Title, &p.InterestsJSON, &p.CreatedAt, &p.UpdatedAt, &p.EndedAt)
	return p, err
}

func scanPersons(rows pgx.Rows) ([]Person, error) {
	defer rows.Close()
	var out []Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPersons returns every active (non-ended) contact owned by the caller,
// relying on the RLS policy as the primary boundary and the owner_user_id
// filter below as a second line of defense (spec §4.4 rule 3).
func (q *Queries) ListPersons(ctx context.Context, ownerUserID uuid.UUID) ([]Person, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+personColumns+` FROM persons
		WHERE owner_user_id = $1 AND ended_at IS NULL ORDER BY name`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("listing persons: %w", err)
	}
	return scanPersons(rows)
}

// GetPerson fetches one person by id. Under RLS this returns pgx.ErrNoRows
// both when the row doesn't exist and when it belongs to another tenant —
// intentionally indistinguishable (spec §7 NotFound).
func (q *Queries) GetPerson(ctx context.Context, ownerUserID, id uuid.UUID) (Person, error) {
	row := q.db.QueryRow(ctx, `SELECT `+personColumns+` FROM persons WHERE id = $1 AND owner_user_id = $2`, id, ownerUserID)
	return scanPerson(row)
}

// CreatePerson inserts a contact, explicitly carrying owner_user_id even
// though RLS also enforces it (spec §4.4 rule 3).
func (q *Queries) CreatePerson(ctx context.Context, p Person) (Person, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO persons (owner_user_id, is_core_user, name, aliases, emails, phones, company, title, interests_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+personColumns,
		p.OwnerUserID, p.IsCoreUser, p.Name, p.Aliases, p.Emails, p.Phones, p.Company, p.Title, p.InterestsJSON)
	return scanPerson(row)
}

// UpdatePersonContactMethods merges newly observed emails/phones/company/title
// during contact sync (spec §4.9: "provider value wins for last-observed fields").
func (q *Queries) UpdatePersonContactMethods(ctx context.Context, ownerUserID, id uuid.UUID, emails, phones []string, company, title string) (Person, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE persons SET emails = $3, phones = $4, company = NULLIF($5, ''), title = NULLIF($6, ''), updated_at = now()
		WHERE id = $1 AND owner_user_id = $2
		RETURNING `+personColumns, id, ownerUserID, emails, phones, company, title)
	return scanPerson(row)
}

// FindPersonByEmail matches an existing contact by lowercase email equality
// (spec §4.9 entity resolution step 2).
func (q *Queries) FindPersonByEmail(ctx context.Context, ownerUserID uuid.UUID, email string) (Person, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+personColumns+` FROM persons
		WHERE owner_user_id = $1 AND ended_at IS NULL
		  AND EXISTS (SELECT 1 FROM unnest(emails) AS e WHERE lower(e) = lower($2))`, ownerUserID, email)
	return scanPerson(row)
}

// FindPersonByPhone matches an existing contact by exact equality of the
// phone string (spec §4.9 entity resolution step 3); neither the stored nor
// the incoming number is normalized.
func (q *Queries) FindPersonByPhone(ctx context.Context, ownerUserID uuid.UUID, phone string) (Person, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+personColumns+` FROM persons
		WHERE owner_user_id = $1 AND ended_at IS NULL AND $2 = ANY(phones)`, ownerUserID, phone)
	return scanPerson(row)
}

// EndPerson soft-deletes a contact (spec §4.9: "delete semantics are soft").
func (q *Queries) EndPerson(ctx context.Context, ownerUserID, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `UPDATE persons SET ended_at = now() WHERE id = $1 AND owner_user_id = $2 AND ended_at IS NULL`, id, ownerUserID)
	if err != nil {
		return fmt.Errorf("ending person: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

const relationshipColumns = `id, owner_user_id, person_a, person_b, category, role_a, role_b, first_met, active, created_at`

func scanRelationship(row pgx.Row) (Relationship, error) {
	var r Relationship
	err := row.Scan(&r.ID, &r.OwnerUserID, &r.PersonA, &r.PersonB, &r.Category, &r.RoleA, &r.RoleB, &r.FirstMet, &r.Active, &r.CreatedAt)
	return r, err
}

// ListRelationshipsForPerson returns active relationships involving a person,
// in either direction.
func (q *Queries) ListRelationshipsForPerson(ctx context.Context, ownerUserID, personID uuid.UUID) ([]Relationship, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE owner_user_id = $1 AND active = true AND (person_a = $2 OR person_b = $2)`, ownerUserID, personID)
	if err != nil {
		return nil, fmt.Errorf("listing relationships: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRelationship inserts a directed, categorized edge between two Persons.
func (q *Queries) CreateRelationship(ctx context.Context, r Relationship) (Relationship, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO relationships (owner_user_id, person_a, person_b, category, role_a, role_b, first_met, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		RETURNING `+relationshipColumns,
		r.OwnerUserID, r.PersonA, r.PersonB, r.Category, r.RoleA, r.RoleB, r.FirstMet)
	return scanRelationship(row)
}

const externalIDColumns = `user_id, provider, provider_record_id, person_id, etag, updated_at`

func scanExternalID(row pgx.Row) (ExternalID, error) {
	var e ExternalID
	err := row.Scan(&e.UserID, &e.Provider, &e.ProviderRecordID, &e.PersonID, &e.Etag, &e.UpdatedAt)
	return e, err
}

// GetExternalID resolves a provider record to an existing Person mapping
// (spec §4.9 entity resolution step 1).
func (q *Queries) GetExternalID(ctx context.Context, ownerUserID uuid.UUID, provider, providerRecordID string) (ExternalID, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+externalIDColumns+` FROM external_ids
		WHERE user_id = $1 AND provider = $2 AND provider_record_id = $3`, ownerUserID, provider, providerRecordID)
	return scanExternalID(row)
}

// UpsertExternalID records or refreshes the provider-record → Person mapping
// with the observed etag.
func (q *Queries) UpsertExternalID(ctx context.Context, ownerUserID uuid.UUID, provider, providerRecordID string, personID uuid.UUID, etag string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO external_ids (user_id, provider, provider_record_id, person_id, etag)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (user_id, provider, provider_record_id) DO UPDATE SET
			person_id  = EXCLUDED.person_id,
			etag       = EXCLUDED.etag,
			updated_at = now()`,
		ownerUserID, provider, providerRecordID, personID, etag)
	if err != nil {
		return fmt.Errorf("upserting external id: %w", err)
	}
	return nil
}
