package repository

// Schema definitions for the Talon database.
// Compatible with both SQLite and PostgreSQL.

const schemaSellingContexts = `
CREATE TABLE IF NOT EXISTS selling_contexts (
    guid TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    priority INTEGER NOT NULL DEFAULT 1,
    conditions TEXT NOT NULL
);
`

const schemaAssignments = `
CREATE TABLE IF NOT EXISTS assignments (
    guid TEXT PRIMARY KEY,
    name TEXT,
    priority INTEGER NOT NULL DEFAULT 1,
    selling_context_guid TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    hidden INTEGER NOT NULL DEFAULT 0,
    start_date TIMESTAMP,
    end_date TIMESTAMP,
    kind TEXT NOT NULL,
    store TEXT NOT NULL DEFAULT '',
    catalog_guid TEXT NOT NULL DEFAULT '',
    currency TEXT NOT NULL DEFAULT '',
    slot_guid TEXT NOT NULL DEFAULT '',
    payload_guid TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assignments_scope
    ON assignments(kind, store, catalog_guid, currency, slot_guid);
CREATE INDEX IF NOT EXISTS idx_assignments_enabled ON assignments(enabled, hidden);
`

const schemaPromotionRules = `
CREATE TABLE IF NOT EXISTS promotion_rules (
    guid TEXT PRIMARY KEY,
    code TEXT NOT NULL,
    name TEXT NOT NULL,
    store TEXT NOT NULL,
    scenario TEXT NOT NULL,
    eligibility TEXT,
    selling_context_guid TEXT,
    coupon_enabled INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    start_date TIMESTAMP,
    end_date TIMESTAMP,
    actions TEXT
);

CREATE INDEX IF NOT EXISTS idx_rules_store_scenario
    ON promotion_rules(store, scenario, enabled);
CREATE INDEX IF NOT EXISTS idx_rules_code ON promotion_rules(store, code);
`

const schemaCoupons = `
CREATE TABLE IF NOT EXISTS coupon_configs (
    guid TEXT PRIMARY KEY,
    rule_code TEXT NOT NULL,
    usage_limit INTEGER NOT NULL DEFAULT 0,
    usage_type TEXT NOT NULL,
    limited_duration INTEGER NOT NULL DEFAULT 0,
    duration_days INTEGER NOT NULL DEFAULT 0,
    multi_use_per_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS coupons (
    guid TEXT PRIMARY KEY,
    coupon_code TEXT NOT NULL UNIQUE,
    config_guid TEXT NOT NULL,
    suspended INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_coupons_config ON coupons(config_guid);
`

// schemaCouponUsages holds the redemption ledger. The (coupon_code,
// customer_email) pair is the ledger key; version backs the optimistic
// check-and-increment on the redemption path.
const schemaCouponUsages = `
CREATE TABLE IF NOT EXISTS coupon_usages (
    guid TEXT NOT NULL,
    coupon_code TEXT NOT NULL,
    customer_email TEXT NOT NULL DEFAULT '',
    use_count INTEGER NOT NULL DEFAULT 0,
    suspended INTEGER NOT NULL DEFAULT 0,
    limited_duration_start TIMESTAMP,
    active_in_cart TEXT NOT NULL DEFAULT '[]',
    version INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (coupon_code, customer_email)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSellingContexts,
		schemaAssignments,
		schemaPromotionRules,
		schemaCoupons,
		schemaCouponUsages,
	}
}
