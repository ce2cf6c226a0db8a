package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to campaign_events. The table has no UPDATE/DELETE
// path in this codebase.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO campaign_events (id, org_id, campaign_id, type, actor_user_id, message, metadata, created_at)
VALUES ($1,$2,NULLIF($3, '')::uuid,$4,NULLIF($5, ''),NULLIF($6, ''),NULLIF($7, '')::jsonb,$8)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.OrgID,
		e.CampaignID,
		e.Type,
		e.ActorUserID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
