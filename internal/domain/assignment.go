package domain

import "time"

// ScopeKind partitions assignments by the surface they target.
type ScopeKind string

const (
	// ScopePriceList scopes price list assignments to catalog + currency.
	// Multiple non-exclusive assignments may coexist (tiered pricing), so
	// resolution returns the full ordered list.
	ScopePriceList ScopeKind = "price-list"

	// ScopeContent scopes dynamic content deliveries to a content slot.
	// Resolution returns a single winner.
	ScopeContent ScopeKind = "content"
)

// Scope identifies one partition of assignments. The caller partitions
// candidates into scopes before resolution; the zero value of unused
// fields is fine.
type Scope struct {
	Kind        ScopeKind `json:"kind"`
	Store       string    `json:"store,omitempty"`
	CatalogGUID string    `json:"catalogGuid,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	SlotGUID    string    `json:"slotGuid,omitempty"`
}

// Key returns a stable cache key for the scope.
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.Store + ":" + s.CatalogGUID + ":" + s.Currency + ":" + s.SlotGUID
}

// Assignment generalizes a price list assignment and a dynamic content
// delivery: a prioritized, optionally selling-context-gated offer with a
// payload the engine treats as opaque.
type Assignment struct {
	GUID string `json:"guid"`
	Name string `json:"name,omitempty"`

	// Priority orders competing assignments; the numerically smallest
	// value wins. Ties break on lexical guid order.
	Priority int `json:"priority"`

	// SellingContextGUID is empty for an assignment that always matches.
	SellingContextGUID string          `json:"sellingContextGuid,omitempty"`
	SellingContext     *SellingContext `json:"sellingContext,omitempty"`

	Enabled bool `json:"enabled"`
	Hidden  bool `json:"hidden"`

	// Optional validity window. A nil bound is open-ended.
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`

	Scope Scope `json:"scope"`

	// PayloadGUID is the targeted price list guid or dynamic content guid.
	PayloadGUID string `json:"payloadGuid"`
}

// WithinWindow reports whether now falls inside the validity window.
func (a *Assignment) WithinWindow(now time.Time) bool {
	if a.StartDate != nil && now.Before(*a.StartDate) {
		return false
	}
	if a.EndDate != nil && now.After(*a.EndDate) {
		return false
	}
	return true
}
