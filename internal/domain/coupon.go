package domain

import "time"

// CouponUsageType determines what the usage limit counts against.
type CouponUsageType string

const (
	// UsagePerCoupon counts every redemption of the coupon code.
	UsagePerCoupon CouponUsageType = "limitPerCoupon"

	// UsagePerCustomer counts redemptions per customer email.
	UsagePerCustomer CouponUsageType = "limitPerAnyUser"
)

// CouponConfig is the redemption policy shared by all coupons of one
// promotion rule.
type CouponConfig struct {
	GUID     string `json:"guid"`
	RuleCode string `json:"ruleCode"`

	// UsageLimit caps redemptions; 0 means unlimited.
	UsageLimit int             `json:"usageLimit"`
	UsageType  CouponUsageType `json:"usageType"`

	// LimitedDuration coupons expire DurationDays after their first
	// successful redemption.
	LimitedDuration bool `json:"limitedDuration"`
	DurationDays    int  `json:"durationDays,omitempty"`

	// MultiUsePerOrder allows the same coupon more than once in one order.
	MultiUsePerOrder bool `json:"multiUsePerOrder"`
}

// Coupon is one redeemable code bound to a coupon config.
type Coupon struct {
	GUID       string        `json:"guid"`
	CouponCode string        `json:"couponCode"`
	ConfigGUID string        `json:"configGuid"`
	Config     *CouponConfig `json:"config,omitempty"`
	Suspended  bool          `json:"suspended"`
}

// CouponUsage is the per-coupon (or per-customer) redemption ledger entry.
// Version supports optimistic concurrency on the check-and-increment path.
type CouponUsage struct {
	GUID                 string     `json:"guid"`
	CouponCode           string     `json:"couponCode"`
	CustomerEmailAddress string     `json:"customerEmailAddress,omitempty"`
	UseCount             int        `json:"useCount"`
	Suspended            bool       `json:"suspended"`
	LimitedDurationStart *time.Time `json:"limitedDurationStartDate,omitempty"`

	// ActiveInCart holds the order guids the coupon is currently applied
	// to; it drives the multi-use-per-order gate.
	ActiveInCart []string `json:"activeInCart,omitempty"`

	Version int `json:"version"`
}

// AppliedToOrder reports whether the coupon is already active in the order.
func (u *CouponUsage) AppliedToOrder(orderGUID string) bool {
	if u == nil || orderGUID == "" {
		return false
	}
	for _, g := range u.ActiveInCart {
		if g == orderGUID {
			return true
		}
	}
	return false
}
