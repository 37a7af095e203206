package domain

import "time"

// Scenario selects which compiled rule base a promotion rule belongs to.
type Scenario string

const (
	ScenarioCatalogBrowse Scenario = "CATALOG_BROWSE"
	ScenarioCart          Scenario = "CART"
)

// Valid reports whether s names a known scenario.
func (s Scenario) Valid() bool {
	return s == ScenarioCatalogBrowse || s == ScenarioCart
}

// PromotionRule is one authored promotion. Rules of the same scenario are
// compiled together into one rule base; the eligibility expression is a
// CEL predicate over the shopper tag context and cart attributes.
type PromotionRule struct {
	GUID     string   `json:"guid"`
	Code     string   `json:"code"`
	Name     string   `json:"name"`
	Store    string   `json:"store"`
	Scenario Scenario `json:"scenario"`

	// Eligibility is a CEL expression, e.g.
	// `tags.SHOPPER.memberType == "gold" && cart.subtotal > 50.0`.
	// Empty means unconditionally eligible.
	Eligibility string `json:"eligibility,omitempty"`

	// SellingContextGUID gates cart-scenario rules on a selling context.
	// Catalog-browse rules use date gating only.
	SellingContextGUID string          `json:"sellingContextGuid,omitempty"`
	SellingContext     *SellingContext `json:"sellingContext,omitempty"`

	// CouponEnabled rules are satisfied only when a redeemable coupon for
	// the rule's code is present in the evaluation request.
	CouponEnabled bool `json:"couponEnabled"`

	Enabled   bool       `json:"enabled"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`

	// Actions is the rule's action payload, opaque to the engine.
	Actions string `json:"actions,omitempty"`
}

// ActiveAt reports whether the rule's date gate is open at now.
func (r *PromotionRule) ActiveAt(now time.Time) bool {
	if r.StartDate != nil && now.Before(*r.StartDate) {
		return false
	}
	if r.EndDate != nil && now.After(*r.EndDate) {
		return false
	}
	return true
}

// RuleMatch is one satisfied promotion rule from a rule-base evaluation.
type RuleMatch struct {
	RuleGUID string `json:"ruleGuid"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Actions  string `json:"actions,omitempty"`

	// CouponCode is the coupon that satisfied a coupon-enabled rule.
	CouponCode string `json:"couponCode,omitempty"`
}
