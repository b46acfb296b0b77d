package threshold

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

// Repository provides PostgreSQL backed rule storage.
type Repository struct {
	pool *pgxpool.Pool
}

var _ Catalog = (*Repository)(nil)

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ruleColumns = `id, name, origin_type, min_amount, max_amount, role_sequence,
allow_urgent_fasttrack, requires_cfo, priority, active`

// ActiveRulesFor returns active rules matching the origin (or ANY), ordered
// by priority.
func (r *Repository) ActiveRulesFor(ctx context.Context, origin shared.OriginType) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+`
FROM threshold_rules WHERE active AND (origin_type = $1 OR origin_type = $2)
ORDER BY priority ASC, id ASC`, string(origin), string(shared.OriginAny))
	if err != nil {
		return nil, fmt.Errorf("threshold: list active rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListAll returns every rule regardless of state, for administration.
func (r *Repository) ListAll(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+`
FROM threshold_rules ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("threshold: list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// Get returns one rule by id.
func (r *Repository) Get(ctx context.Context, id int64) (Rule, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM threshold_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rule{}, ErrNotFound
		}
		return Rule{}, fmt.Errorf("threshold: get rule: %w", err)
	}
	return rule, nil
}

// Create inserts a rule and returns its id.
func (r *Repository) Create(ctx context.Context, rule Rule) (int64, error) {
	if err := rule.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO threshold_rules
(name, origin_type, min_amount, max_amount, role_sequence, allow_urgent_fasttrack, requires_cfo, priority, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		rule.Name, string(rule.Origin), rule.MinAmount, rule.MaxAmount, roleStrings(rule.RoleSequence),
		rule.AllowUrgentFastTrack, rule.RequiresCFO, rule.Priority, rule.Active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("threshold: create rule: %w", err)
	}
	return id, nil
}

// Deactivate retires a rule. Rules are never deleted because resolved
// requisitions keep the tier name they were routed under.
func (r *Repository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE threshold_rules SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("threshold: deactivate rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRules(rows pgx.Rows) ([]Rule, error) {
	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (Rule, error) {
	var (
		rule     Rule
		origin   string
		sequence []string
	)
	if err := row.Scan(&rule.ID, &rule.Name, &origin, &rule.MinAmount, &rule.MaxAmount,
		&sequence, &rule.AllowUrgentFastTrack, &rule.RequiresCFO, &rule.Priority, &rule.Active); err != nil {
		return Rule{}, err
	}
	rule.Origin = shared.OriginType(origin)
	rule.RoleSequence = make([]roles.Role, 0, len(sequence))
	for _, s := range sequence {
		rule.RoleSequence = append(rule.RoleSequence, roles.Role(s))
	}
	return rule, nil
}

func roleStrings(sequence []roles.Role) []string {
	out := make([]string, 0, len(sequence))
	for _, role := range sequence {
		out = append(out, string(role))
	}
	return out
}
