package pg

import (
	"context"

	"fintrail.org/internal/audit"
	"fintrail.org/internal/ids"
)

var _ audit.Trail = (*Store)(nil)

// Append writes an audit entry. There is no update or delete counterpart; the
// table carries no such statements anywhere in this package.
func (s *Store) Append(ctx context.Context, entry *audit.Entry) error {
	if err := audit.Validate(entry); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	return s.db.QueryRowContext(ctx, `
		insert into audit_log (id, actor_id, action, resource, resource_id, outcome, detail)
		values ($1,$2,$3,$4,nullif($5,''),$6,$7)
		returning occurred_at
	`, entry.ID, entry.ActorID, entry.Action, entry.Resource, entry.ResourceID,
		string(entry.Outcome), entry.Detail).Scan(&entry.OccurredAt)
}

func (s *Store) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, actor_id, action, resource, coalesce(resource_id,''), outcome, detail, occurred_at
		from audit_log
		where ($1 = '' or actor_id = $1)
		  and ($2 = '' or resource = $2)
		  and ($3 = '' or outcome = $3)
		order by occurred_at asc
		limit $4
	`, f.ActorID, f.Resource, string(f.Outcome), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var outcome string
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Resource, &e.ResourceID, &outcome, &e.Detail, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Outcome = audit.Outcome(outcome)
		res = append(res, e)
	}
	return res, rows.Err()
}
