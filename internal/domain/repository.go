package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by lookups for records that do not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned by version-checked saves that lost a
	// concurrent race. Callers recover by re-reading and retrying.
	ErrVersionConflict = errors.New("version conflict")
)

// Repository is the persistence collaborator consumed by the engine.
// The read side serves resolution and evaluation; the authoring side
// backs the management API.
type Repository interface {
	// FindActiveAssignments returns the enabled, non-hidden assignments of
	// one scope, selling contexts and conditions attached.
	FindActiveAssignments(ctx context.Context, scope Scope) ([]*Assignment, error)

	// FindEnabledRules returns the enabled promotion rules of a store and
	// scenario, selling contexts attached.
	FindEnabledRules(ctx context.Context, store string, scenario Scenario) ([]*PromotionRule, error)

	// FindCoupon returns a coupon by code with its config attached.
	// Returns ErrNotFound when the code is unknown.
	FindCoupon(ctx context.Context, code string) (*Coupon, error)

	// FindCouponUsage returns the usage record for a coupon code and
	// customer email ("" for per-coupon usage). Returns ErrNotFound when
	// no redemption has been recorded yet.
	FindCouponUsage(ctx context.Context, code, email string) (*CouponUsage, error)

	// SaveCouponUsage inserts or updates a usage record. Updates are
	// version-checked and return ErrVersionConflict on a lost race.
	SaveCouponUsage(ctx context.Context, usage *CouponUsage) error

	// Authoring side.
	SaveSellingContext(ctx context.Context, sc *SellingContext) error
	GetSellingContext(ctx context.Context, guid string) (*SellingContext, error)
	SaveAssignment(ctx context.Context, a *Assignment) error
	SaveRule(ctx context.Context, r *PromotionRule) error
	GetRule(ctx context.Context, guid string) (*PromotionRule, error)
	ListRules(ctx context.Context, store string) ([]*PromotionRule, error)
	SaveCoupon(ctx context.Context, c *Coupon, cfg *CouponConfig) error

	// Health check.
	Ping(ctx context.Context) error

	// Lifecycle.
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres".
	Driver string

	// SQLite specific.
	SQLitePath string

	// PostgreSQL specific.
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
