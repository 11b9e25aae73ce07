package org

import (
	"context"
	"errors"
	"fmt"
)

// LinkTarget is a table whose rows name an organization in free text.
type LinkTarget struct {
	Table      string
	NameColumn string
}

var LinkTargets = []LinkTarget{
	{Table: "sofia.jobs", NameColumn: "company"},
	{Table: "sofia.funding_rounds", NameColumn: "company"},
	{Table: "sofia.ngos", NameColumn: "name"},
}

// Link resolves every distinct unlinked name in t and sets organization_id
// on the matching rows. Names that normalize to nothing are skipped.
func (r *Resolver) Link(ctx context.Context, t LinkTarget) (int64, error) {
	rows, err := r.cfg.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT %[1]s, COALESCE(min(country_code), '') FROM %[2]s WHERE organization_id IS NULL AND %[1]s IS NOT NULL GROUP BY %[1]s ORDER BY %[1]s`,
		t.NameColumn, t.Table))
	if err != nil {
		return 0, fmt.Errorf("failed to read unlinked names from %s: %w", t.Table, err)
	}
	type pending struct{ name, country string }
	var names []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.name, &p.country); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan unlinked name: %w", err)
		}
		names = append(names, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var linked int64
	for _, p := range names {
		res, err := r.Resolve(ctx, p.name, p.country)
		if errors.Is(err, ErrEmptyName) {
			continue
		}
		if err != nil {
			return linked, err
		}
		out, err := r.cfg.DB.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET organization_id = $1 WHERE organization_id IS NULL AND %s = $2`, t.Table, t.NameColumn),
			res.ID, p.name)
		if err != nil {
			return linked, fmt.Errorf("failed to link %q in %s: %w", p.name, t.Table, err)
		}
		n, _ := out.RowsAffected()
		linked += n
	}
	r.log.Info("org: linked organizations", "table", t.Table, "names", len(names), "rows", linked)
	return linked, nil
}
