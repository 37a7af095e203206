// Package domain defines the core types and collaborator interfaces for
// Talon, the context-driven targeting and promotion-resolution engine.
package domain

// Well-known tag dictionary guids. The set is an external contract shared
// with the authoring collaborator and is open for extension: dictionary
// keys stay plain strings rather than an enum so new dictionaries need no
// engine change.
const (
	DictionaryShopper           = "SHOPPER"
	DictionaryTime              = "TIME"
	DictionaryStores            = "STORES"
	DictionaryPLAShopper        = "PLA_SHOPPER"
	DictionaryPromotionsShopper = "PROMOTIONS_SHOPPER"
)

// ConditionalExpression is an authored tag condition: a DSL source string
// bound to one tag dictionary. Instances are created by the authoring
// collaborator and consumed read-only by the engine.
type ConditionalExpression struct {
	GUID              string `json:"guid"`
	TagDictionaryGUID string `json:"tagDictionaryGuid"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`

	// ConditionString is the DSL source, e.g.
	// `AND {memberType.equals('gold')} {isLoggedIn(true)}`.
	ConditionString string `json:"conditionString"`

	// Named marks a reusable library expression as opposed to an ad-hoc
	// condition owned by a single selling context.
	Named bool `json:"named"`
}

// SellingContext is a named, prioritized bundle of at most one condition
// per tag dictionary. An absent dictionary key is vacuously true.
type SellingContext struct {
	GUID        string `json:"guid"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Priority orders competing selling contexts; 1 is the highest.
	Priority int `json:"priority"`

	// Conditions maps tag dictionary guid to the condition bound to it.
	// Keys are unique by construction.
	Conditions map[string]*ConditionalExpression `json:"conditions,omitempty"`
}

// Condition returns the condition bound to the given dictionary, or nil.
func (sc *SellingContext) Condition(dictionaryGUID string) *ConditionalExpression {
	if sc == nil {
		return nil
	}
	return sc.Conditions[dictionaryGUID]
}
