// Package contacts implements the Person/Relationship repository and the
// entity-resolution algorithm (supplement to C9) that maps incoming
// provider records onto existing or new contacts.
package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/audit"
	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/pkg/tenant"
)

// ProviderRecord is the normalized shape of an incoming contact record from
// any synced provider, prior to resolution against existing Persons.
type ProviderRecord struct {
	ProviderRecordID string
	Etag             string
	Name             string
	Emails           []string
	Phones           []string
	Company          string
	Title            string
}

// Resolution describes how an incoming record was matched or created.
type Resolution struct {
	Person   db.Person
	Method   string // "external_id" | "email" | "phone" | "created"
	Conflict bool
}

// Repo is the C9-adjacent contacts service.
type Repo struct {
	pool   *pgxpool.Pool
	audit  *audit.Writer
}

// New builds a contacts repository.
func New(pool *pgxpool.Pool, auditWriter *audit.Writer) *Repo {
	return &Repo{pool: pool, audit: auditWriter}
}

// ResolveAndUpsert runs the spec §4.9 entity-resolution order — provider
// record id, then email, then phone, then create — and merges newly
// observed contact fields, logging irreconcilable conflicts to the audit
// log instead of silently dropping them.
func (r *Repo) ResolveAndUpsert(ctx context.Context, ownerUserID uuid.UUID, provider string, rec ProviderRecord) (Resolution, error) {
	var res Resolution

	err := tenant.WithTenantConn(ctx, r.pool, ownerUserID, func(tx pgx.Tx) error {
		q := db.New(tx)

		if extID, err := q.GetExternalID(ctx, ownerUserID, provider, rec.ProviderRecordID); err == nil {
			person, err := q.GetPerson(ctx, ownerUserID, extID.PersonID)
			if err != nil {
				return fmt.Errorf("loading person for external id: %w", err)
			}
			merged, conflict := mergeFields(person, rec)
			updated, err := q.UpdatePersonContactMethods(ctx, ownerUserID, person.ID, merged.Emails, merged.Phones, merged.Company, merged.Title)
			if err != nil {
				return fmt.Errorf("merging person fields: %w", err)
			}
			if err := q.UpsertExternalID(ctx, ownerUserID, provider, rec.ProviderRecordID, updated.ID, rec.Etag); err != nil {
				return fmt.Errorf("refreshing external id: %w", err)
			}
			res = Resolution{Person: updated, Method: "external_id", Conflict: conflict}
			if conflict {
				r.logConflict(ctx, ownerUserID, provider, rec, person, "external_id")
			}
			return nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("looking up external id: %w", err)
		}

		for _, email := range rec.Emails {
			person, err := q.FindPersonByEmail(ctx, ownerUserID, strings.ToLower(email))
			if err == nil {
				merged, conflict := mergeFields(person, rec)
				updated, err := q.UpdatePersonContactMethods(ctx, ownerUserID, person.ID, merged.Emails, merged.Phones, merged.Company, merged.Title)
				if err != nil {
					return fmt.Errorf("merging matched-by-email person: %w", err)
				}
				if err := q.UpsertExternalID(ctx, ownerUserID, provider, rec.ProviderRecordID, updated.ID, rec.Etag); err != nil {
					return fmt.Errorf("recording external id after email match: %w", err)
				}
				res = Resolution{Person: updated, Method: "email", Conflict: conflict}
				if conflict {
					r.logConflict(ctx, ownerUserID, provider, rec, person, "email")
				}
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("matching by email: %w", err)
			}
		}

		for _, phone := range rec.Phones {
			person, err := q.FindPersonByPhone(ctx, ownerUserID, phone)
			if err == nil {
				merged, conflict := mergeFields(person, rec)
				updated, err := q.UpdatePersonContactMethods(ctx, ownerUserID, person.ID, merged.Emails, merged.Phones, merged.Company, merged.Title)
				if err != nil {
					return fmt.Errorf("merging matched-by-phone person: %w", err)
				}
				if err := q.UpsertExternalID(ctx, ownerUserID, provider, rec.ProviderRecordID, updated.ID, rec.Etag); err != nil {
					return fmt.Errorf("recording external id after phone match: %w", err)
				}
				res = Resolution{Person: updated, Method: "phone", Conflict: conflict}
				if conflict {
					r.logConflict(ctx, ownerUserID, provider, rec, person, "phone")
				}
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("matching by phone: %w", err)
			}
		}

		created, err := q.CreatePerson(ctx, db.Person{
			OwnerUserID: ownerUserID,
			IsCoreUser:  false,
			Name:        rec.Name,
			Emails:      rec.Emails,
			Phones:      rec.Phones,
			Company:     textOrEmpty(rec.Company),
			Title:       textOrEmpty(rec.Title),
		})
		if err != nil {
			return fmt.Errorf("creating person: %w", err)
		}
		if err := q.UpsertExternalID(ctx, ownerUserID, provider, rec.ProviderRecordID, created.ID, rec.Etag); err != nil {
			return fmt.Errorf("recording external id for new person: %w", err)
		}
		res = Resolution{Person: created, Method: "created"}
		return nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return res, nil
}

// End soft-deletes a contact.
func (r *Repo) End(ctx context.Context, ownerUserID, personID uuid.UUID) error {
	return tenant.WithTenantConn(ctx, r.pool, ownerUserID, func(tx pgx.Tx) error {
		return db.New(tx).EndPerson(ctx, ownerUserID, personID)
	})
}

// mergedFields holds the provider-wins merge result.
type mergedFields struct {
	Emails  []string
	Phones  []string
	Company string
	Title   string
}

// mergeFields applies "provider value wins for last-observed fields"
// (spec §4.9), flagging a conflict when both sides have a non-empty,
// differing value for company or title — the two fields that can't simply
// be unioned like emails/phones can.
func mergeFields(existing db.Person, rec ProviderRecord) (mergedFields, bool) {
	emails := unionStrings(existing.Emails, rec.Emails)
	phones := unionStrings(existing.Phones, rec.Phones)

	company := rec.Company
	if company == "" {
		company = existing.Company.String
	}
	title := rec.Title
	if title == "" {
		title = existing.Title.String
	}

	conflict := existing.Company.Valid && rec.Company != "" && existing.Company.String != rec.Company ||
		existing.Title.Valid && rec.Title != "" && existing.Title.String != rec.Title

	return mergedFields{Emails: emails, Phones: phones, Company: company, Title: title}, conflict
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func textOrEmpty(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func (r *Repo) logConflict(ctx context.Context, ownerUserID uuid.UUID, provider string, rec ProviderRecord, existing db.Person, method string) {
	if r.audit == nil {
		return
	}
	detail, _ := json.Marshal(map[string]any{
		"provider":        provider,
		"resolved_via":    method,
		"existing_company": existing.Company.String,
		"incoming_company": rec.Company,
		"existing_title":   existing.Title.String,
		"incoming_title":   rec.Title,
	})
	r.audit.Log(audit.Entry{
		TenantID: ownerUserID,
		Action:   "sync_conflict",
		Resource: "person",
		Detail:   detail,
		Success:  true,
	})
}
