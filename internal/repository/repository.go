// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/opensource-commerce/talon/internal/domain"
)

var (
	// ErrNotFound aliases the domain sentinel so callers holding only the
	// repository package can test for it.
	ErrNotFound = domain.ErrNotFound

	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveSellingContext stores a selling context with its condition bundle.
func (r *SQLRepository) SaveSellingContext(ctx context.Context, sc *domain.SellingContext) error {
	if sc == nil || sc.Name == "" {
		return fmt.Errorf("%w: selling context name is required", ErrInvalidInput)
	}
	if sc.GUID == "" {
		sc.GUID = uuid.NewString()
	}

	conditions, _ := json.Marshal(sc.Conditions)

	query := `
		INSERT INTO selling_contexts (guid, name, description, priority, conditions)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			priority = excluded.priority,
			conditions = excluded.conditions
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		sc.GUID, sc.Name, sc.Description, sc.Priority, string(conditions),
	)
	return err
}

// GetSellingContext retrieves a selling context by guid.
func (r *SQLRepository) GetSellingContext(ctx context.Context, guid string) (*domain.SellingContext, error) {
	query := `
		SELECT guid, name, description, priority, conditions
		FROM selling_contexts
		WHERE guid = ?
	`

	var sc domain.SellingContext
	var description sql.NullString
	var conditions string

	err := r.db.QueryRowContext(ctx, r.rebind(query), guid).Scan(
		&sc.GUID, &sc.Name, &description, &sc.Priority, &conditions,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sc.Description = description.String
	if err := json.Unmarshal([]byte(conditions), &sc.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse selling context conditions: %w", err)
	}

	return &sc, nil
}

// SaveAssignment stores an assignment.
func (r *SQLRepository) SaveAssignment(ctx context.Context, a *domain.Assignment) error {
	if a == nil || a.PayloadGUID == "" {
		return fmt.Errorf("%w: assignment payload guid is required", ErrInvalidInput)
	}
	if a.Scope.Kind == "" {
		return fmt.Errorf("%w: assignment scope kind is required", ErrInvalidInput)
	}
	if a.GUID == "" {
		a.GUID = uuid.NewString()
	}

	query := `
		INSERT INTO assignments (
			guid, name, priority, selling_context_guid, enabled, hidden,
			start_date, end_date, kind, store, catalog_guid, currency,
			slot_guid, payload_guid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			name = excluded.name,
			priority = excluded.priority,
			selling_context_guid = excluded.selling_context_guid,
			enabled = excluded.enabled,
			hidden = excluded.hidden,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			kind = excluded.kind,
			store = excluded.store,
			catalog_guid = excluded.catalog_guid,
			currency = excluded.currency,
			slot_guid = excluded.slot_guid,
			payload_guid = excluded.payload_guid
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.GUID, a.Name, a.Priority, a.SellingContextGUID,
		boolToInt(a.Enabled), boolToInt(a.Hidden),
		a.StartDate, a.EndDate,
		string(a.Scope.Kind), a.Scope.Store, a.Scope.CatalogGUID,
		a.Scope.Currency, a.Scope.SlotGUID,
		a.PayloadGUID,
	)
	return err
}

// FindActiveAssignments returns the enabled, non-hidden assignments of a
// scope with their selling contexts attached. Date-window filtering is
// the resolver's job; the window bounds are returned as stored.
func (r *SQLRepository) FindActiveAssignments(ctx context.Context, scope domain.Scope) ([]*domain.Assignment, error) {
	query := `
		SELECT guid, name, priority, selling_context_guid, enabled, hidden,
			   start_date, end_date, kind, store, catalog_guid, currency,
			   slot_guid, payload_guid
		FROM assignments
		WHERE kind = ? AND store = ? AND catalog_guid = ? AND currency = ? AND slot_guid = ?
		  AND enabled = 1 AND hidden = 0
		ORDER BY priority, guid
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query),
		string(scope.Kind), scope.Store, scope.CatalogGUID, scope.Currency, scope.SlotGUID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []*domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachSellingContexts(ctx, assignmentContexts(assignments)); err != nil {
		return nil, err
	}

	return assignments, nil
}

func scanAssignment(rows *sql.Rows) (*domain.Assignment, error) {
	var a domain.Assignment
	var name, scGUID sql.NullString
	var enabled, hidden int
	var start, end sql.NullTime
	var kind string

	if err := rows.Scan(
		&a.GUID, &name, &a.Priority, &scGUID, &enabled, &hidden,
		&start, &end, &kind, &a.Scope.Store, &a.Scope.CatalogGUID,
		&a.Scope.Currency, &a.Scope.SlotGUID, &a.PayloadGUID,
	); err != nil {
		return nil, err
	}

	a.Name = name.String
	a.SellingContextGUID = scGUID.String
	a.Enabled = enabled == 1
	a.Hidden = hidden == 1
	a.Scope.Kind = domain.ScopeKind(kind)
	if start.Valid {
		t := start.Time
		a.StartDate = &t
	}
	if end.Valid {
		t := end.Time
		a.EndDate = &t
	}

	return &a, nil
}

// SaveRule stores a promotion rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.PromotionRule) error {
	if rule == nil || rule.Code == "" {
		return fmt.Errorf("%w: rule code is required", ErrInvalidInput)
	}
	if !rule.Scenario.Valid() {
		return fmt.Errorf("%w: unknown scenario %q", ErrInvalidInput, rule.Scenario)
	}
	if rule.GUID == "" {
		rule.GUID = uuid.NewString()
	}

	query := `
		INSERT INTO promotion_rules (
			guid, code, name, store, scenario, eligibility,
			selling_context_guid, coupon_enabled, enabled,
			start_date, end_date, actions
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			store = excluded.store,
			scenario = excluded.scenario,
			eligibility = excluded.eligibility,
			selling_context_guid = excluded.selling_context_guid,
			coupon_enabled = excluded.coupon_enabled,
			enabled = excluded.enabled,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			actions = excluded.actions
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.GUID, rule.Code, rule.Name, rule.Store, string(rule.Scenario),
		rule.Eligibility, rule.SellingContextGUID,
		boolToInt(rule.CouponEnabled), boolToInt(rule.Enabled),
		rule.StartDate, rule.EndDate, rule.Actions,
	)
	return err
}

// GetRule retrieves a promotion rule by guid.
func (r *SQLRepository) GetRule(ctx context.Context, guid string) (*domain.PromotionRule, error) {
	query := ruleSelect + ` WHERE guid = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), guid)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := r.attachSellingContexts(ctx, ruleContexts([]*domain.PromotionRule{rule})); err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules retrieves all promotion rules of a store.
func (r *SQLRepository) ListRules(ctx context.Context, store string) ([]*domain.PromotionRule, error) {
	query := ruleSelect + ` WHERE store = ? ORDER BY code`
	return r.queryRules(ctx, query, store)
}

// FindEnabledRules returns the enabled rules of a store and scenario with
// selling contexts attached.
func (r *SQLRepository) FindEnabledRules(ctx context.Context, store string, scenario domain.Scenario) ([]*domain.PromotionRule, error) {
	query := ruleSelect + ` WHERE store = ? AND scenario = ? AND enabled = 1 ORDER BY code`
	return r.queryRules(ctx, query, store, string(scenario))
}

const ruleSelect = `
	SELECT guid, code, name, store, scenario, eligibility,
		   selling_context_guid, coupon_enabled, enabled,
		   start_date, end_date, actions
	FROM promotion_rules`

func (r *SQLRepository) queryRules(ctx context.Context, query string, args ...any) ([]*domain.PromotionRule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.PromotionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachSellingContexts(ctx, ruleContexts(rules)); err != nil {
		return nil, err
	}
	return rules, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*domain.PromotionRule, error) {
	var rule domain.PromotionRule
	var eligibility, scGUID, actions sql.NullString
	var couponEnabled, enabled int
	var start, end sql.NullTime
	var scenario string

	if err := row.Scan(
		&rule.GUID, &rule.Code, &rule.Name, &rule.Store, &scenario,
		&eligibility, &scGUID, &couponEnabled, &enabled,
		&start, &end, &actions,
	); err != nil {
		return nil, err
	}

	rule.Scenario = domain.Scenario(scenario)
	rule.Eligibility = eligibility.String
	rule.SellingContextGUID = scGUID.String
	rule.Actions = actions.String
	rule.CouponEnabled = couponEnabled == 1
	rule.Enabled = enabled == 1
	if start.Valid {
		t := start.Time
		rule.StartDate = &t
	}
	if end.Valid {
		t := end.Time
		rule.EndDate = &t
	}

	return &rule, nil
}

// SaveCoupon stores a coupon and its config.
func (r *SQLRepository) SaveCoupon(ctx context.Context, c *domain.Coupon, cfg *domain.CouponConfig) error {
	if c == nil || c.CouponCode == "" {
		return fmt.Errorf("%w: coupon code is required", ErrInvalidInput)
	}
	if cfg == nil || cfg.RuleCode == "" {
		return fmt.Errorf("%w: coupon config rule code is required", ErrInvalidInput)
	}
	if cfg.GUID == "" {
		cfg.GUID = uuid.NewString()
	}
	if c.GUID == "" {
		c.GUID = uuid.NewString()
	}
	c.ConfigGUID = cfg.GUID

	configQuery := `
		INSERT INTO coupon_configs (
			guid, rule_code, usage_limit, usage_type,
			limited_duration, duration_days, multi_use_per_order
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			rule_code = excluded.rule_code,
			usage_limit = excluded.usage_limit,
			usage_type = excluded.usage_type,
			limited_duration = excluded.limited_duration,
			duration_days = excluded.duration_days,
			multi_use_per_order = excluded.multi_use_per_order
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(configQuery),
		cfg.GUID, cfg.RuleCode, cfg.UsageLimit, string(cfg.UsageType),
		boolToInt(cfg.LimitedDuration), cfg.DurationDays,
		boolToInt(cfg.MultiUsePerOrder),
	); err != nil {
		return err
	}

	couponQuery := `
		INSERT INTO coupons (guid, coupon_code, config_guid, suspended)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(coupon_code) DO UPDATE SET
			config_guid = excluded.config_guid,
			suspended = excluded.suspended
	`

	_, err := r.db.ExecContext(ctx, r.rebind(couponQuery),
		c.GUID, c.CouponCode, c.ConfigGUID, boolToInt(c.Suspended),
	)
	return err
}

// FindCoupon retrieves a coupon by code with its config attached.
func (r *SQLRepository) FindCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	query := `
		SELECT c.guid, c.coupon_code, c.config_guid, c.suspended,
			   g.guid, g.rule_code, g.usage_limit, g.usage_type,
			   g.limited_duration, g.duration_days, g.multi_use_per_order
		FROM coupons c
		JOIN coupon_configs g ON g.guid = c.config_guid
		WHERE c.coupon_code = ?
	`

	var c domain.Coupon
	var cfg domain.CouponConfig
	var suspended, limitedDuration, multiUse int
	var usageType string

	err := r.db.QueryRowContext(ctx, r.rebind(query), code).Scan(
		&c.GUID, &c.CouponCode, &c.ConfigGUID, &suspended,
		&cfg.GUID, &cfg.RuleCode, &cfg.UsageLimit, &usageType,
		&limitedDuration, &cfg.DurationDays, &multiUse,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Suspended = suspended == 1
	cfg.UsageType = domain.CouponUsageType(usageType)
	cfg.LimitedDuration = limitedDuration == 1
	cfg.MultiUsePerOrder = multiUse == 1
	c.Config = &cfg

	return &c, nil
}

// FindCouponUsage retrieves the usage record for a coupon code and
// customer email ("" for per-coupon usage).
func (r *SQLRepository) FindCouponUsage(ctx context.Context, code, email string) (*domain.CouponUsage, error) {
	query := `
		SELECT guid, coupon_code, customer_email, use_count, suspended,
			   limited_duration_start, active_in_cart, version
		FROM coupon_usages
		WHERE coupon_code = ? AND customer_email = ?
	`

	var u domain.CouponUsage
	var suspended int
	var start sql.NullTime
	var activeInCart string

	err := r.db.QueryRowContext(ctx, r.rebind(query), code, email).Scan(
		&u.GUID, &u.CouponCode, &u.CustomerEmailAddress, &u.UseCount,
		&suspended, &start, &activeInCart, &u.Version,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	u.Suspended = suspended == 1
	if start.Valid {
		t := start.Time
		u.LimitedDurationStart = &t
	}
	if activeInCart != "" {
		json.Unmarshal([]byte(activeInCart), &u.ActiveInCart)
	}

	return &u, nil
}

// SaveCouponUsage inserts or updates a usage record. A record with
// version 0 inserts; anything else updates with a version check. Both
// paths return domain.ErrVersionConflict on a lost race.
func (r *SQLRepository) SaveCouponUsage(ctx context.Context, usage *domain.CouponUsage) error {
	if usage == nil || usage.CouponCode == "" {
		return fmt.Errorf("%w: coupon code is required", ErrInvalidInput)
	}
	if usage.GUID == "" {
		usage.GUID = uuid.NewString()
	}

	activeInCart, _ := json.Marshal(usage.ActiveInCart)
	if usage.ActiveInCart == nil {
		activeInCart = []byte("[]")
	}

	if usage.Version == 0 {
		query := `
			INSERT INTO coupon_usages (
				guid, coupon_code, customer_email, use_count, suspended,
				limited_duration_start, active_in_cart, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(coupon_code, customer_email) DO NOTHING
		`

		result, err := r.db.ExecContext(ctx, r.rebind(query),
			usage.GUID, usage.CouponCode, usage.CustomerEmailAddress,
			usage.UseCount, boolToInt(usage.Suspended),
			usage.LimitedDurationStart, string(activeInCart),
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrVersionConflict
		}
		usage.Version = 1
		return nil
	}

	query := `
		UPDATE coupon_usages
		SET use_count = ?, suspended = ?, limited_duration_start = ?,
			active_in_cart = ?, version = version + 1
		WHERE coupon_code = ? AND customer_email = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		usage.UseCount, boolToInt(usage.Suspended), usage.LimitedDurationStart,
		string(activeInCart),
		usage.CouponCode, usage.CustomerEmailAddress, usage.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrVersionConflict
	}
	usage.Version++
	return nil
}

// attachSellingContexts loads each referenced selling context once and
// assigns it through the provided setters.
func (r *SQLRepository) attachSellingContexts(ctx context.Context, refs map[string][]func(*domain.SellingContext)) error {
	for guid, setters := range refs {
		sc, err := r.GetSellingContext(ctx, guid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		for _, set := range setters {
			set(sc)
		}
	}
	return nil
}

func assignmentContexts(assignments []*domain.Assignment) map[string][]func(*domain.SellingContext) {
	refs := make(map[string][]func(*domain.SellingContext))
	for _, a := range assignments {
		if a.SellingContextGUID == "" {
			continue
		}
		a := a
		refs[a.SellingContextGUID] = append(refs[a.SellingContextGUID], func(sc *domain.SellingContext) {
			a.SellingContext = sc
		})
	}
	return refs
}

func ruleContexts(rules []*domain.PromotionRule) map[string][]func(*domain.SellingContext) {
	refs := make(map[string][]func(*domain.SellingContext))
	for _, rule := range rules {
		if rule.SellingContextGUID == "" {
			continue
		}
		rule := rule
		refs[rule.SellingContextGUID] = append(refs[rule.SellingContextGUID], func(sc *domain.SellingContext) {
			rule.SellingContext = sc
		})
	}
	return refs
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
