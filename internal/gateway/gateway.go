// Package gateway is the authenticated GraphQL ingress. Every request passes
// through the same pipeline: extract a bearer token, resolve it through the
// token cache or the verifier, then execute the requested top-level fields
// with the resulting authorization context.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/nashlabs/lendmarket/internal/crypto"
	"github.com/nashlabs/lendmarket/internal/domain"
)

// The bootstrap operation clients call to validate a token before anything
// else.
const authenticateField = "authenticate"

// devSubject/devExpiry describe the synthetic claim produced by the
// development bypass token. The expiry is deliberately far in the future
// (year 3000).
const (
	devSubject = "dev-admin"
	devRole    = "admin"
	devExpiry  = int64(32503680000)
)

// TokenVerifier validates a raw bearer token. *auth.Verifier implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (domain.TokenClaims, error)
}

// Config holds the gateway's request-handling knobs.
type Config struct {
	// DevBearerToken, when non-empty and DevBypass is set, short-circuits
	// authentication for requests presenting exactly this bearer value.
	DevBearerToken string
	// DevBypass gates the bypass; it must only be set under development
	// configuration.
	DevBypass bool
}

// Handler serves the POST /graphql endpoint.
type Handler struct {
	verifier TokenVerifier
	cache    domain.TokenCache
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a gateway Handler.
func New(verifier TokenVerifier, cache domain.TokenCache, cfg Config, logger *slog.Logger) *Handler {
	return &Handler{
		verifier: verifier,
		cache:    cache,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "gateway")),
		now:      time.Now,
	}
}

// request is the GraphQL-style envelope accepted on the wire.
type request struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid json")
		return
	}

	vars, err := normalizeVariables(req.Variables)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "malformed variables")
		return
	}

	fields, err := topLevelFields(req.Query, req.OperationName)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "malformed query")
		return
	}

	authCtx, err := h.authorizeRequest(ctx, r, fields, vars)
	if err != nil {
		h.reject(ctx, w)
		return
	}
	ctx = ContextWithAuth(ctx, authCtx)

	data := make(map[string]any, len(fields))
	var gqlErrs []graphQLError
	for _, field := range fields {
		switch field.Name {
		case "sanityCheck":
			data["sanityCheck"] = "GraphQL endpoint is live"
		case authenticateField:
			result, err := h.resolveAuthenticate(ctx, field, vars, authCtx)
			if err != nil {
				h.reject(ctx, w)
				return
			}
			data[authenticateField] = result
		default:
			gqlErrs = append(gqlErrs, graphQLError{
				Message: fmt.Sprintf("unknown field %q", field.Name),
			})
		}
	}

	response := map[string]any{"data": data}
	if len(gqlErrs) > 0 {
		response["errors"] = gqlErrs
	}
	writeJSON(w, http.StatusOK, response)
}

// authorizeRequest runs the extraction order: dev bypass, inline token for the
// bootstrap authenticate operation, then the Authorization header.
func (h *Handler) authorizeRequest(ctx context.Context, r *http.Request, fields []*ast.Field, vars map[string]any) (domain.AuthContext, error) {
	raw := bearerToken(r)

	if h.isDevBypass(raw) {
		return domain.AuthContext{
			Claims:   h.syntheticDevClaims(),
			RawToken: raw,
		}, nil
	}

	if hasField(fields, authenticateField) {
		if inline, ok := vars["token"].(string); ok && inline != "" {
			raw = inline
		}
	}

	return h.authorize(ctx, raw)
}

// authorize resolves a raw token through cache-or-verify. A fresh cached entry
// wins; otherwise the verifier runs and its result is cached keyed by expiry.
// On rejection any cached entry for the token is evicted.
func (h *Handler) authorize(ctx context.Context, raw string) (domain.AuthContext, error) {
	if raw == "" {
		return domain.AuthContext{}, domain.ErrForbidden
	}

	if claims, err := h.cache.Fetch(ctx, raw); err == nil && claims.Fresh(h.now()) {
		return domain.AuthContext{Claims: claims, RawToken: raw}, nil
	}

	claims, err := h.verifier.Verify(ctx, raw)
	if err != nil {
		if delErr := h.cache.Delete(ctx, raw); delErr != nil {
			h.logger.WarnContext(ctx, "failed to evict rejected token", slog.String("error", delErr.Error()))
		}
		return domain.AuthContext{}, domain.ErrForbidden
	}

	if err := h.cache.Store(ctx, raw, claims, claims.ExpiresAt); err != nil {
		h.logger.WarnContext(ctx, "failed to cache verified claims", slog.String("error", err.Error()))
	}

	return domain.AuthContext{Claims: claims, RawToken: raw}, nil
}

// resolveAuthenticate re-runs cache-or-verify on the explicit token argument,
// or reuses the ambient authorization, and returns the claims' expiry.
func (h *Handler) resolveAuthenticate(ctx context.Context, field *ast.Field, vars map[string]any, ambient domain.AuthContext) (map[string]any, error) {
	authCtx := ambient
	if arg := tokenArgument(field, vars); arg != "" && arg != ambient.RawToken {
		resolved, err := h.authorize(ctx, arg)
		if err != nil {
			return nil, err
		}
		authCtx = resolved
	}

	return map[string]any{
		"expiresAt": authCtx.Claims.Expiry().Format(time.RFC3339),
	}, nil
}

func (h *Handler) isDevBypass(raw string) bool {
	if !h.cfg.DevBypass || h.cfg.DevBearerToken == "" || raw == "" {
		return false
	}
	return crypto.SecureCompare(raw, h.cfg.DevBearerToken)
}

func (h *Handler) syntheticDevClaims() domain.TokenClaims {
	return domain.TokenClaims{
		Subject:   devSubject,
		Role:      devRole,
		ExpiresAt: devExpiry,
		IssuedAt:  h.now().Unix(),
	}
}

func (h *Handler) reject(ctx context.Context, w http.ResponseWriter) {
	h.logger.DebugContext(ctx, "request rejected")
	writeErrors(w, http.StatusForbidden, "Forbidden Access")
}

// normalizeVariables accepts the shapes clients actually send: absent/null, a
// JSON object, or a string containing a JSON object. Anything else is
// malformed input.
func normalizeVariables(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}

	var vars map[string]any
	if err := json.Unmarshal(raw, &vars); err == nil {
		return vars, nil
	}

	var embedded string
	if err := json.Unmarshal(raw, &embedded); err == nil {
		if err := json.Unmarshal([]byte(embedded), &vars); err == nil {
			return vars, nil
		}
	}

	return nil, fmt.Errorf("gateway: unexpected variables shape: %w", domain.ErrMalformedInput)
}

// topLevelFields parses the query and returns the top-level selections of the
// requested operation.
func topLevelFields(query, operationName string) ([]*ast.Field, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return nil, fmt.Errorf("gateway: parse query: %w", errors.Join(err, domain.ErrMalformedInput))
	}

	op := doc.Operations.ForName(operationName)
	if op == nil {
		return nil, fmt.Errorf("gateway: operation %q not found: %w", operationName, domain.ErrMalformedInput)
	}

	var fields []*ast.Field
	for _, sel := range op.SelectionSet {
		if field, ok := sel.(*ast.Field); ok {
			fields = append(fields, field)
		}
	}
	return fields, nil
}

func hasField(fields []*ast.Field, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// tokenArgument resolves the authenticate field's token argument, following a
// variable reference when needed.
func tokenArgument(field *ast.Field, vars map[string]any) string {
	arg := field.Arguments.ForName("token")
	if arg == nil || arg.Value == nil {
		return ""
	}
	switch arg.Value.Kind {
	case ast.Variable:
		if s, ok := vars[arg.Value.Raw].(string); ok {
			return s
		}
	case ast.StringValue:
		return arg.Value.Raw
	}
	return ""
}

// bearerToken extracts the bearer-scheme Authorization value, or "".
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrors(w http.ResponseWriter, status int, messages ...string) {
	errs := make([]graphQLError, 0, len(messages))
	for _, m := range messages {
		errs = append(errs, graphQLError{Message: m})
	}
	writeJSON(w, status, map[string]any{"errors": errs})
}
