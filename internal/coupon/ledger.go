// Package coupon implements the coupon usage ledger. The ledger gates
// coupon-enabled promotion rules and records redemptions with per-key
// serialization so concurrent redeemers never overshoot a usage limit.
package coupon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-commerce/talon/internal/domain"
)

var (
	ErrCouponNotFound       = errors.New("coupon not found")
	ErrCouponSuspended      = errors.New("coupon suspended")
	ErrCouponExpired        = errors.New("coupon expired")
	ErrCouponLimitExceeded  = errors.New("coupon usage limit exceeded")
	ErrCouponAlreadyApplied = errors.New("coupon already applied to order")
)

// maxSaveRetries bounds the optimistic-save retry loop. Conflicts are
// only possible against writers on other nodes; local writers are
// serialized by the per-key mutex.
const maxSaveRetries = 5

// Store is the slice of the repository the ledger needs.
type Store interface {
	FindCoupon(ctx context.Context, code string) (*domain.Coupon, error)
	FindCouponUsage(ctx context.Context, code, email string) (*domain.CouponUsage, error)
	SaveCouponUsage(ctx context.Context, usage *domain.CouponUsage) error
}

// Ledger validates and records coupon usage against configured limits.
type Ledger struct {
	store  Store
	logger *slog.Logger

	locks sync.Map // usage key -> *sync.Mutex
}

func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// usageKey returns the ledger row key for a coupon and customer. Coupons
// limited per coupon share one row across all customers; coupons limited
// per customer get a row per email address.
func usageKey(cfg *domain.CouponConfig, code, email string) (string, string) {
	if cfg != nil && cfg.UsageType == domain.UsagePerCustomer {
		return code, email
	}
	return code, ""
}

func (l *Ledger) lockFor(code, email string) *sync.Mutex {
	key := code + "\x00" + email
	mu, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Validate checks a coupon against its configured limits without
// recording anything. It returns the coupon, with config attached, when
// the code is currently redeemable by the customer.
func (l *Ledger) Validate(ctx context.Context, code, email string, now time.Time) (*domain.Coupon, error) {
	coupon, err := l.fetchCoupon(ctx, code)
	if err != nil {
		return nil, err
	}
	usage, err := l.fetchUsage(ctx, coupon, code, email)
	if err != nil {
		return nil, err
	}
	if err := checkLimits(coupon, usage, now); err != nil {
		return nil, err
	}
	return coupon, nil
}

// Redeem records one use of a coupon for an order. The check-and-
// increment runs under a per-key mutex with a version-checked save, so
// two concurrent redeemers of the last remaining use cannot both
// succeed. The first redemption of a limited-duration coupon starts its
// validity clock.
func (l *Ledger) Redeem(ctx context.Context, code, email, orderGUID string, now time.Time) error {
	coupon, err := l.fetchCoupon(ctx, code)
	if err != nil {
		return err
	}
	rowCode, rowEmail := usageKey(coupon.Config, code, email)

	mu := l.lockFor(rowCode, rowEmail)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		usage, err := l.fetchUsage(ctx, coupon, code, email)
		if err != nil {
			return err
		}
		if err := checkLimits(coupon, usage, now); err != nil {
			return err
		}
		if usage == nil {
			usage = &domain.CouponUsage{
				CouponCode:           rowCode,
				CustomerEmailAddress: rowEmail,
			}
		}
		cfg := coupon.Config
		if cfg != nil && !cfg.MultiUsePerOrder && usage.AppliedToOrder(orderGUID) {
			return fmt.Errorf("%w: order %s", ErrCouponAlreadyApplied, orderGUID)
		}
		if cfg != nil && cfg.LimitedDuration && usage.LimitedDurationStart == nil {
			start := now
			usage.LimitedDurationStart = &start
		}
		usage.UseCount++
		if !usage.AppliedToOrder(orderGUID) {
			usage.ActiveInCart = append(usage.ActiveInCart, orderGUID)
		}

		err = l.store.SaveCouponUsage(ctx, usage)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return fmt.Errorf("save coupon usage: %w", err)
		}
		l.logger.Debug("coupon usage save conflict, retrying",
			"coupon_code", code, "attempt", attempt+1)
	}
	return fmt.Errorf("save coupon usage %s: %w", code, domain.ErrVersionConflict)
}

// Release undoes a redemption for an abandoned order: the order is
// removed from the active set and the use count is decremented. A
// limited-duration start date is never cleared once set. Releasing a
// coupon that was never applied to the order is a no-op.
func (l *Ledger) Release(ctx context.Context, code, email, orderGUID string, now time.Time) error {
	coupon, err := l.fetchCoupon(ctx, code)
	if err != nil {
		return err
	}
	rowCode, rowEmail := usageKey(coupon.Config, code, email)

	mu := l.lockFor(rowCode, rowEmail)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		usage, err := l.fetchUsage(ctx, coupon, code, email)
		if err != nil {
			return err
		}
		if usage == nil || !usage.AppliedToOrder(orderGUID) {
			return nil
		}
		kept := usage.ActiveInCart[:0]
		for _, g := range usage.ActiveInCart {
			if g != orderGUID {
				kept = append(kept, g)
			}
		}
		usage.ActiveInCart = kept
		if usage.UseCount > 0 {
			usage.UseCount--
		}

		err = l.store.SaveCouponUsage(ctx, usage)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return fmt.Errorf("save coupon usage: %w", err)
		}
		l.logger.Debug("coupon release save conflict, retrying",
			"coupon_code", code, "attempt", attempt+1)
	}
	return fmt.Errorf("release coupon %s: %w", code, domain.ErrVersionConflict)
}

func (l *Ledger) fetchCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	coupon, err := l.store.FindCoupon(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCouponNotFound, code)
		}
		return nil, fmt.Errorf("find coupon %s: %w", code, err)
	}
	return coupon, nil
}

// fetchUsage loads the ledger row for the coupon and customer, or nil
// when no usage has been recorded yet.
func (l *Ledger) fetchUsage(ctx context.Context, coupon *domain.Coupon, code, email string) (*domain.CouponUsage, error) {
	rowCode, rowEmail := usageKey(coupon.Config, code, email)
	usage, err := l.store.FindCouponUsage(ctx, rowCode, rowEmail)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find coupon usage %s: %w", code, err)
	}
	return usage, nil
}

// checkLimits applies the redeemability checks in order: suspension,
// duration expiry, then usage limit. A nil usage row means the coupon
// has never been used by this key.
func checkLimits(coupon *domain.Coupon, usage *domain.CouponUsage, now time.Time) error {
	if coupon.Suspended {
		return fmt.Errorf("%w: %s", ErrCouponSuspended, coupon.CouponCode)
	}
	if usage != nil && usage.Suspended {
		return fmt.Errorf("%w: %s", ErrCouponSuspended, coupon.CouponCode)
	}
	cfg := coupon.Config
	if cfg == nil {
		return nil
	}
	if cfg.LimitedDuration && usage != nil && usage.LimitedDurationStart != nil {
		expiry := usage.LimitedDurationStart.AddDate(0, 0, cfg.DurationDays)
		if now.After(expiry) {
			return fmt.Errorf("%w: %s", ErrCouponExpired, coupon.CouponCode)
		}
	}
	if cfg.UsageLimit > 0 && usage != nil && usage.UseCount >= cfg.UsageLimit {
		return fmt.Errorf("%w: %s", ErrCouponLimitExceeded, coupon.CouponCode)
	}
	return nil
}
