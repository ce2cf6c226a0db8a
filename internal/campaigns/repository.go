package campaigns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campaign-platform/pkg/utils"

	"github.com/google/uuid"
)

// NOTE: This repository assumes the schema in migrations/0001_init.sql, notably
// the partial unique index campaigns_one_active_per_org:
//   UNIQUE (org_id) WHERE status IN ('RUNNING', 'WAITING_FOR_CALLBACKS')
// which is the final guard for the single-active invariant.

const oneActivePerOrgIndex = "campaigns_one_active_per_org"

// PostgresStore implements Store with database/sql (pgx stdlib driver).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const campaignColumns = `id, org_id, agent_reference, status, created_at, updated_at, completed_at`

const leadColumns = `id, campaign_id, COALESCE(name, ''), COALESCE(phone, ''), status,
       custom_fields, COALESCE(outcome, ''), meeting_details, site_visit_details,
       COALESCE(error_type, ''), tags, created_at, "timestamp"`

// validIDs reports whether every id parses as a uuid. Lookups by anything else
// cannot match a row.
func validIDs(ids ...string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}

// notFound maps missing rows and malformed ids to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) || utils.IsInvalidTextRepresentation(err) {
		return ErrNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (Campaign, error) {
	var c Campaign
	var completed sql.NullTime
	if err := row.Scan(
		&c.ID,
		&c.OrgID,
		&c.AgentReference,
		&c.Status,
		&c.CreatedAt,
		&c.UpdatedAt,
		&completed,
	); err != nil {
		return Campaign{}, err
	}
	if completed.Valid {
		t := completed.Time
		c.CompletedAt = &t
	}
	return c, nil
}

func scanLead(row rowScanner) (Lead, error) {
	var l Lead
	var custom, meeting, siteVisit, tags []byte
	var ts sql.NullTime
	if err := row.Scan(
		&l.ID,
		&l.CampaignID,
		&l.Name,
		&l.Phone,
		&l.Status,
		&custom,
		&l.Outcome,
		&meeting,
		&siteVisit,
		&l.ErrorType,
		&tags,
		&l.CreatedAt,
		&ts,
	); err != nil {
		return Lead{}, err
	}
	if len(custom) > 0 && string(custom) != "null" {
		l.CustomFields = json.RawMessage(custom)
	}
	if err := decodeOptional(meeting, &l.MeetingDetails); err != nil {
		return Lead{}, fmt.Errorf("meeting_details: %w", err)
	}
	if err := decodeOptional(siteVisit, &l.SiteVisitDetails); err != nil {
		return Lead{}, fmt.Errorf("site_visit_details: %w", err)
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &l.Tags); err != nil {
			return Lead{}, fmt.Errorf("tags: %w", err)
		}
	}
	if ts.Valid {
		t := ts.Time
		l.Timestamp = &t
	}
	return l, nil
}

func decodeOptional(raw []byte, dst **Appointment) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var a Appointment
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}
	*dst = &a
	return nil
}

func encodeOptional(v any) (any, error) {
	switch x := v.(type) {
	case *Appointment:
		if x == nil {
			return nil, nil
		}
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		return []byte(x), nil
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) CreateCampaign(ctx context.Context, c Campaign, leads []Lead) error {
	if c.ID == "" || c.OrgID == "" || c.Status != CampaignStatusQueued {
		return ErrInvalidArgument
	}
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO campaigns (id, org_id, agent_reference, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
		if _, err := tx.ExecContext(ctx, q, c.ID, c.OrgID, c.AgentReference, c.Status, c.CreatedAt, c.UpdatedAt); err != nil {
			return err
		}
		for _, l := range leads {
			if err := insertLead(ctx, tx, l); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertLead(ctx context.Context, tx *sql.Tx, l Lead) error {
	const q = `
INSERT INTO leads (
  id, campaign_id, name, phone, status, custom_fields, outcome, error_type, created_at
) VALUES (
  $1,$2,NULLIF($3, ''),$4,$5,$6,NULLIF($7, ''),NULLIF($8, ''),$9
)
`
	custom, err := encodeOptional(l.CustomFields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, q,
		l.ID,
		l.CampaignID,
		l.Name,
		l.Phone,
		l.Status,
		custom,
		string(l.Outcome),
		l.ErrorType,
		l.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	if !validIDs(campaignID) {
		return Campaign{}, ErrNotFound
	}
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(s.db.QueryRowContext(ctx, q, campaignID))
	if err != nil {
		return Campaign{}, notFound(err)
	}
	return c, nil
}

func (s *PostgresStore) ListCampaigns(ctx context.Context, orgID string, since time.Time) ([]CampaignWithLeads, error) {
	q := `SELECT ` + campaignColumns + `
FROM campaigns
WHERE org_id = $1 AND created_at >= $2
ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, orgID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CampaignWithLeads, 0)
	index := map[string]int{}
	ids := make([]string, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		index[c.ID] = len(out)
		ids = append(ids, c.ID)
		out = append(out, CampaignWithLeads{Campaign: c, Leads: []LeadSummary{}})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	const lq = `
SELECT id, campaign_id, status, COALESCE(outcome, '')
FROM leads
WHERE campaign_id = ANY($1)
ORDER BY created_at ASC
`
	lrows, err := s.db.QueryContext(ctx, lq, ids)
	if err != nil {
		return nil, err
	}
	defer lrows.Close()
	for lrows.Next() {
		var ls LeadSummary
		var campaignID string
		if err := lrows.Scan(&ls.ID, &campaignID, &ls.Status, &ls.Outcome); err != nil {
			return nil, err
		}
		if i, ok := index[campaignID]; ok {
			out[i].Leads = append(out[i].Leads, ls)
		}
	}
	return out, lrows.Err()
}

func (s *PostgresStore) GetLead(ctx context.Context, campaignID, leadID string) (Lead, error) {
	if !validIDs(campaignID, leadID) {
		return Lead{}, ErrNotFound
	}
	q := `SELECT ` + leadColumns + ` FROM leads WHERE campaign_id = $1 AND id = $2`
	l, err := scanLead(s.db.QueryRowContext(ctx, q, campaignID, leadID))
	if err != nil {
		return Lead{}, notFound(err)
	}
	return l, nil
}

func (s *PostgresStore) GetLeadForOrg(ctx context.Context, orgID, leadID string) (Lead, error) {
	if !validIDs(leadID) {
		return Lead{}, ErrNotFound
	}
	q := `SELECT ` + leadColumns + `
FROM leads
WHERE id = $2 AND campaign_id IN (SELECT id FROM campaigns WHERE org_id = $1)`
	l, err := scanLead(s.db.QueryRowContext(ctx, q, orgID, leadID))
	if err != nil {
		return Lead{}, notFound(err)
	}
	return l, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, campaignID string) ([]Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE campaign_id = $1 ORDER BY created_at ASC, id ASC`
	return s.queryLeads(ctx, q, campaignID)
}

func (s *PostgresStore) PendingLeads(ctx context.Context, campaignID string) ([]Lead, error) {
	q := `SELECT ` + leadColumns + `
FROM leads
WHERE campaign_id = $1 AND status = 'PENDING'
ORDER BY created_at ASC, id ASC`
	return s.queryLeads(ctx, q, campaignID)
}

func (s *PostgresStore) queryLeads(ctx context.Context, q string, args ...any) ([]Lead, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Lead, 0)
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TryAdmit(ctx context.Context, orgID, campaignID string, now time.Time) (bool, error) {
	// Single conditional statement. Two racing admissions can both pass the
	// NOT EXISTS under READ COMMITTED; the partial unique index rejects the loser.
	const q = `
UPDATE campaigns
SET status = 'RUNNING', updated_at = $3
WHERE id = $2 AND org_id = $1 AND status = 'QUEUED'
  AND NOT EXISTS (
    SELECT 1 FROM campaigns
    WHERE org_id = $1 AND id <> $2 AND status IN ('RUNNING', 'WAITING_FOR_CALLBACKS')
  )
`
	res, err := s.db.ExecContext(ctx, q, orgID, campaignID, now)
	if err != nil {
		if utils.IsUniqueViolation(err, oneActivePerOrgIndex) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) HasOtherActive(ctx context.Context, orgID, exclude string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM campaigns
  WHERE org_id = $1 AND id <> $2 AND status IN ('RUNNING', 'WAITING_FOR_CALLBACKS')
)
`
	var ok bool
	if err := s.db.QueryRowContext(ctx, q, orgID, exclude).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *PostgresStore) TransitionCampaign(ctx context.Context, campaignID string, from, to CampaignStatus, now time.Time) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	const q = `
UPDATE campaigns
SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
`
	res, err := s.db.ExecContext(ctx, q, campaignID, from, to, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) CompleteCampaignIfDone(ctx context.Context, campaignID string, now time.Time) (bool, error) {
	const q = `
UPDATE campaigns
SET status = 'COMPLETED', completed_at = $2, updated_at = $2
WHERE id = $1 AND status = 'WAITING_FOR_CALLBACKS'
  AND NOT EXISTS (
    SELECT 1 FROM leads
    WHERE campaign_id = $1 AND status NOT IN ('COMPLETED', 'VALIDATION_ERROR')
  )
`
	res, err := s.db.ExecContext(ctx, q, campaignID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) PromoteNextQueued(ctx context.Context, orgID string, now time.Time) (Campaign, bool, error) {
	var out Campaign
	var ok bool

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const activeQ = `
SELECT EXISTS (
  SELECT 1 FROM campaigns
  WHERE org_id = $1 AND status IN ('RUNNING', 'WAITING_FOR_CALLBACKS')
)
`
		var active bool
		if err := tx.QueryRowContext(ctx, activeQ, orgID).Scan(&active); err != nil {
			return err
		}
		if active {
			return nil
		}

		// SKIP LOCKED lets a concurrent promoter move on instead of blocking on
		// the same row; it will then lose on the unique index or find it active.
		nextQ := `SELECT ` + campaignColumns + `
FROM campaigns
WHERE org_id = $1 AND status = 'QUEUED'
ORDER BY created_at ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`
		c, err := scanCampaign(tx.QueryRowContext(ctx, nextQ, orgID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		const promoteQ = `
UPDATE campaigns
SET status = 'RUNNING', updated_at = $2
WHERE id = $1 AND status = 'QUEUED'
`
		res, err := tx.ExecContext(ctx, promoteQ, c.ID, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		c.Status = CampaignStatusRunning
		c.UpdatedAt = now
		out, ok = c, true
		return nil
	})
	if err != nil {
		if utils.IsUniqueViolation(err, oneActivePerOrgIndex) {
			return Campaign{}, false, nil
		}
		return Campaign{}, false, err
	}
	return out, ok, nil
}

func (s *PostgresStore) CompleteLead(ctx context.Context, campaignID, leadID string, res LeadResult) (Lead, bool, error) {
	if !validIDs(campaignID, leadID) {
		return Lead{}, false, ErrNotFound
	}
	meeting, err := encodeOptional(res.MeetingDetails)
	if err != nil {
		return Lead{}, false, err
	}
	siteVisit, err := encodeOptional(res.SiteVisitDetails)
	if err != nil {
		return Lead{}, false, err
	}

	q := `
UPDATE leads
SET status = 'COMPLETED', outcome = $3, "timestamp" = $4,
    meeting_details = $5, site_visit_details = $6
WHERE campaign_id = $1 AND id = $2 AND status NOT IN ('COMPLETED', 'VALIDATION_ERROR')
RETURNING ` + leadColumns
	l, err := scanLead(s.db.QueryRowContext(ctx, q, campaignID, leadID, res.Outcome, res.Timestamp, meeting, siteVisit))
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Lead{}, false, err
	}

	// The lead does not exist, was never dispatched, or someone else completed it first.
	existing, gerr := s.GetLead(ctx, campaignID, leadID)
	if gerr != nil {
		return Lead{}, false, gerr
	}
	return existing, false, nil
}

func (s *PostgresStore) CountOpenLeads(ctx context.Context, campaignID string) (int, error) {
	const q = `
SELECT COUNT(*) FROM leads
WHERE campaign_id = $1 AND status NOT IN ('COMPLETED', 'VALIDATION_ERROR')
`
	var n int
	if err := s.db.QueryRowContext(ctx, q, campaignID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
