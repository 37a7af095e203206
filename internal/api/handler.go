package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-commerce/talon/internal/condition"
	"github.com/opensource-commerce/talon/internal/coupon"
	"github.com/opensource-commerce/talon/internal/domain"
	"github.com/opensource-commerce/talon/internal/engine"
	"github.com/opensource-commerce/talon/internal/rulebase"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	engine  *engine.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, version string) *Handler {
	return &Handler{
		engine:  eng,
		version: version,
	}
}

// TagsPayload is the wire form of a shopper tag context: dictionary guid
// to attribute name to JSON value. Booleans, numbers, strings and string
// arrays map onto the corresponding tag value kinds; an RFC 3339 string
// becomes a timestamp.
type TagsPayload map[string]map[string]any

func (p TagsPayload) tagContext() condition.TagContext {
	if len(p) == 0 {
		return nil
	}
	tc := make(condition.TagContext, len(p))
	for dict, attrs := range p {
		set := make(condition.Attributes, len(attrs))
		for name, raw := range attrs {
			set[name] = decodeTagValue(raw)
		}
		tc[dict] = set
	}
	return tc
}

func decodeTagValue(raw any) condition.Value {
	switch v := raw.(type) {
	case bool:
		return condition.Bool(v)
	case float64:
		return condition.Number(v)
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return condition.Timestamp(t)
		}
		return condition.String(v)
	case []any:
		members := make([]string, 0, len(v))
		for _, m := range v {
			if s, ok := m.(string); ok {
				members = append(members, s)
			}
		}
		return condition.Set(members...)
	default:
		return condition.Value{}
	}
}

// ResolvePriceListsRequest is the request body for POST /resolve/price-lists.
type ResolvePriceListsRequest struct {
	CatalogGUID string      `json:"catalogGuid"`
	Currency    string      `json:"currency"`
	Tags        TagsPayload `json:"tags,omitempty"`
}

// ResolvedAssignment is one matched assignment on the wire.
type ResolvedAssignment struct {
	AssignmentGUID string `json:"assignmentGuid"`
	PayloadGUID    string `json:"payloadGuid"`
	Priority       int    `json:"priority"`
}

// ResolvePriceListsResponse is the response for POST /resolve/price-lists.
type ResolvePriceListsResponse struct {
	PriceLists []ResolvedAssignment `json:"priceLists"`
	Metadata   ResponseMetadata     `json:"metadata"`
}

// ResponseMetadata carries trace and timing info on every resolution
// response.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// ResolvePriceLists handles POST /resolve/price-lists.
func (h *Handler) ResolvePriceLists(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req ResolvePriceListsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.CatalogGUID == "" || req.Currency == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "catalogGuid and currency are required",
		})
		return
	}

	scope := domain.Scope{
		Kind:        domain.ScopePriceList,
		Store:       GetStoreCode(ctx),
		CatalogGUID: req.CatalogGUID,
		Currency:    req.Currency,
	}

	matched, err := h.engine.ResolvePriceLists(ctx, scope, req.Tags.tagContext())
	if err != nil {
		slog.Error("price list resolution failed", "scope", scope.Key(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "resolution failed",
		})
		return
	}

	resp := ResolvePriceListsResponse{
		PriceLists: make([]ResolvedAssignment, 0, len(matched)),
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	}
	for _, a := range matched {
		resp.PriceLists = append(resp.PriceLists, ResolvedAssignment{
			AssignmentGUID: a.GUID,
			PayloadGUID:    a.PayloadGUID,
			Priority:       a.Priority,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResolveContentRequest is the request body for POST /resolve/content.
type ResolveContentRequest struct {
	SlotGUID string      `json:"slotGuid"`
	Tags     TagsPayload `json:"tags,omitempty"`
}

// ResolveContentResponse is the response for POST /resolve/content.
// Delivery is null when no assignment matched.
type ResolveContentResponse struct {
	Matched  bool                `json:"matched"`
	Delivery *ResolvedAssignment `json:"delivery,omitempty"`
	Metadata ResponseMetadata    `json:"metadata"`
}

// ResolveContent handles POST /resolve/content.
func (h *Handler) ResolveContent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req ResolveContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.SlotGUID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "slotGuid is required",
		})
		return
	}

	scope := domain.Scope{
		Kind:     domain.ScopeContent,
		Store:    GetStoreCode(ctx),
		SlotGUID: req.SlotGUID,
	}

	winner, err := h.engine.ResolveContent(ctx, scope, req.Tags.tagContext())
	if err != nil {
		slog.Error("content resolution failed", "scope", scope.Key(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "resolution failed",
		})
		return
	}

	resp := ResolveContentResponse{
		Matched: winner != nil,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	}
	if winner != nil {
		resp.Delivery = &ResolvedAssignment{
			AssignmentGUID: winner.GUID,
			PayloadGUID:    winner.PayloadGUID,
			Priority:       winner.Priority,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// EvaluatePromotionsRequest is the request body for POST /promotions/evaluate.
type EvaluatePromotionsRequest struct {
	Scenario      string         `json:"scenario"`
	Tags          TagsPayload    `json:"tags,omitempty"`
	Cart          map[string]any `json:"cart,omitempty"`
	CustomerEmail string         `json:"customerEmail,omitempty"`
	CouponCodes   []string       `json:"couponCodes,omitempty"`
}

// EvaluatePromotionsResponse is the response for POST /promotions/evaluate.
type EvaluatePromotionsResponse struct {
	Matches  []domain.RuleMatch `json:"matches"`
	Metadata ResponseMetadata   `json:"metadata"`
}

// EvaluatePromotions handles POST /promotions/evaluate.
func (h *Handler) EvaluatePromotions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req EvaluatePromotionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	scenario := domain.Scenario(req.Scenario)
	if !scenario.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "scenario must be CATALOG_BROWSE or CART",
		})
		return
	}

	matches, err := h.engine.EvaluatePromotions(ctx, GetStoreCode(ctx), scenario, rulebase.Input{
		Tags:          req.Tags.tagContext(),
		Cart:          req.Cart,
		CustomerEmail: req.CustomerEmail,
		CouponCodes:   req.CouponCodes,
	})
	if err != nil {
		slog.Error("promotion evaluation failed", "scenario", req.Scenario, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "promotion evaluation failed",
		})
		return
	}
	if matches == nil {
		matches = []domain.RuleMatch{}
	}

	writeJSON(w, http.StatusOK, EvaluatePromotionsResponse{
		Matches: matches,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// CouponRequest is the request body for the redeem and release endpoints.
type CouponRequest struct {
	CouponCode    string `json:"couponCode"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	OrderGUID     string `json:"orderGuid"`
}

// RedeemCoupon handles POST /coupons/redeem.
func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	h.couponOp(w, r, h.engine.RedeemCoupon, "redeemed")
}

// ReleaseCoupon handles POST /coupons/release.
func (h *Handler) ReleaseCoupon(w http.ResponseWriter, r *http.Request) {
	h.couponOp(w, r, h.engine.ReleaseCoupon, "released")
}

func (h *Handler) couponOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, code, email, orderGUID string) error, verb string) {
	ctx := r.Context()

	var req CouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.CouponCode == "" || req.OrderGUID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "couponCode and orderGuid are required",
		})
		return
	}

	if err := op(ctx, req.CouponCode, req.CustomerEmail, req.OrderGUID); err != nil {
		writeJSON(w, couponStatus(err), map[string]string{
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"couponCode": req.CouponCode,
		"status":     verb,
	})
}

// couponStatus maps ledger errors onto HTTP status codes.
func couponStatus(err error) int {
	switch {
	case errors.Is(err, coupon.ErrCouponNotFound):
		return http.StatusNotFound
	case errors.Is(err, coupon.ErrCouponSuspended),
		errors.Is(err, coupon.ErrCouponExpired),
		errors.Is(err, coupon.ErrCouponLimitExceeded),
		errors.Is(err, coupon.ErrCouponAlreadyApplied):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ValidateConditionRequest is the request body for POST /conditions/validate.
type ValidateConditionRequest struct {
	ConditionString string `json:"conditionString"`
}

// ValidateCondition handles POST /conditions/validate. Parses the DSL
// string and reports syntax errors without persisting anything.
func (h *Handler) ValidateCondition(w http.ResponseWriter, r *http.Request) {
	var req ValidateConditionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if err := h.engine.ValidateConditionString(req.ConditionString); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := h.engine.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateRuleRequest is the request body for creating a promotion rule.
type CreateRuleRequest struct {
	GUID               string     `json:"guid,omitempty"`
	Code               string     `json:"code"`
	Name               string     `json:"name"`
	Scenario           string     `json:"scenario"`
	Eligibility        string     `json:"eligibility,omitempty"`
	SellingContextGUID string     `json:"sellingContextGuid,omitempty"`
	CouponEnabled      bool       `json:"couponEnabled"`
	Enabled            bool       `json:"enabled"`
	StartDate          *time.Time `json:"startDate,omitempty"`
	EndDate            *time.Time `json:"endDate,omitempty"`
	Actions            string     `json:"actions,omitempty"`
}

// CreateRule creates or updates a promotion rule. The eligibility
// expression is compiled before the rule is persisted, so a bad rule is
// rejected with 400 rather than poisoning the rule base.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Code == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "code and name are required",
		})
		return
	}

	rule := &domain.PromotionRule{
		GUID:               req.GUID,
		Code:               req.Code,
		Name:               req.Name,
		Store:              GetStoreCode(ctx),
		Scenario:           domain.Scenario(req.Scenario),
		Eligibility:        req.Eligibility,
		SellingContextGUID: req.SellingContextGUID,
		CouponEnabled:      req.CouponEnabled,
		Enabled:            req.Enabled,
		StartDate:          req.StartDate,
		EndDate:            req.EndDate,
		Actions:            req.Actions,
	}
	if !rule.Scenario.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "scenario must be CATALOG_BROWSE or CART",
		})
		return
	}

	if rule.Eligibility != "" {
		if err := rulebase.ValidateEligibility(rule.Eligibility); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
	}

	if err := h.engine.SaveRule(ctx, rule); err != nil {
		slog.Error("failed to save rule", "code", rule.Code, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule saved", "guid", rule.GUID, "code", rule.Code, "store", rule.Store)
	writeJSON(w, http.StatusCreated, rule)
}

// ListRules returns the promotion rules of the requesting store.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rules, err := h.engine.ListRules(ctx, GetStoreCode(ctx))
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list rules",
		})
		return
	}
	if rules == nil {
		rules = []*domain.PromotionRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// GetRule retrieves a promotion rule by guid.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	rule, err := h.engine.GetRule(r.Context(), guid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		slog.Error("failed to get rule", "guid", guid, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get rule",
		})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ReloadRules recompiles both scenario rule bases of the requesting
// store. This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store := GetStoreCode(ctx)

	if err := h.engine.ReloadRules(ctx, store); err != nil {
		slog.Error("failed to reload rules", "store", store, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded", "store", store)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rules reloaded successfully",
	})
}

// CreateSellingContext creates or updates a selling context. Every bound
// condition is parsed first; a malformed condition rejects the whole
// context.
func (h *Handler) CreateSellingContext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var sc domain.SellingContext
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if sc.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}

	if err := h.engine.SaveSellingContext(ctx, &sc); err != nil {
		var parseErr *condition.DslParseError
		if errors.As(err, &parseErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("failed to save selling context", "guid", sc.GUID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save selling context",
		})
		return
	}

	slog.Info("selling context saved", "guid", sc.GUID, "name", sc.Name)
	writeJSON(w, http.StatusCreated, sc)
}

// GetSellingContext retrieves a selling context by guid.
func (h *Handler) GetSellingContext(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	sc, err := h.engine.GetSellingContext(r.Context(), guid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "selling context not found",
			})
			return
		}
		slog.Error("failed to get selling context", "guid", guid, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get selling context",
		})
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// CreateAssignmentRequest is the request body for creating an assignment.
type CreateAssignmentRequest struct {
	GUID               string     `json:"guid,omitempty"`
	Name               string     `json:"name,omitempty"`
	Kind               string     `json:"kind"`
	CatalogGUID        string     `json:"catalogGuid,omitempty"`
	Currency           string     `json:"currency,omitempty"`
	SlotGUID           string     `json:"slotGuid,omitempty"`
	Priority           int        `json:"priority"`
	SellingContextGUID string     `json:"sellingContextGuid,omitempty"`
	Enabled            bool       `json:"enabled"`
	Hidden             bool       `json:"hidden"`
	StartDate          *time.Time `json:"startDate,omitempty"`
	EndDate            *time.Time `json:"endDate,omitempty"`
	PayloadGUID        string     `json:"payloadGuid"`
}

// CreateAssignment creates or updates an assignment and invalidates the
// scope's cached candidate list cluster-wide.
func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.PayloadGUID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "payloadGuid is required",
		})
		return
	}
	kind := domain.ScopeKind(req.Kind)
	if kind != domain.ScopePriceList && kind != domain.ScopeContent {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "kind must be price-list or content",
		})
		return
	}

	a := &domain.Assignment{
		GUID:               req.GUID,
		Name:               req.Name,
		Priority:           req.Priority,
		SellingContextGUID: req.SellingContextGUID,
		Enabled:            req.Enabled,
		Hidden:             req.Hidden,
		StartDate:          req.StartDate,
		EndDate:            req.EndDate,
		Scope: domain.Scope{
			Kind:        kind,
			Store:       GetStoreCode(ctx),
			CatalogGUID: req.CatalogGUID,
			Currency:    req.Currency,
			SlotGUID:    req.SlotGUID,
		},
		PayloadGUID: req.PayloadGUID,
	}

	if err := h.engine.SaveAssignment(ctx, a); err != nil {
		slog.Error("failed to save assignment", "guid", a.GUID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save assignment",
		})
		return
	}

	slog.Info("assignment saved", "guid", a.GUID, "scope", a.Scope.Key())
	writeJSON(w, http.StatusCreated, a)
}

// CreateCouponRequest is the request body for creating a coupon with its
// redemption policy.
type CreateCouponRequest struct {
	GUID       string `json:"guid,omitempty"`
	CouponCode string `json:"couponCode"`
	Suspended  bool   `json:"suspended"`

	Config domain.CouponConfig `json:"config"`
}

// CreateCoupon creates or updates a coupon and its config.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.CouponCode == "" || req.Config.RuleCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "couponCode and config.ruleCode are required",
		})
		return
	}

	c := &domain.Coupon{
		GUID:       req.GUID,
		CouponCode: req.CouponCode,
		Suspended:  req.Suspended,
	}
	cfg := req.Config
	if err := h.engine.SaveCoupon(ctx, c, &cfg); err != nil {
		slog.Error("failed to save coupon", "coupon_code", c.CouponCode, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save coupon",
		})
		return
	}

	slog.Info("coupon saved", "coupon_code", c.CouponCode, "rule_code", cfg.RuleCode)
	writeJSON(w, http.StatusCreated, map[string]any{
		"coupon": c,
		"config": cfg,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
