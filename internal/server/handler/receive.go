package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/nashlabs/lendmarket/internal/crypto"
)

// ReceiveHandler accepts service-to-service score pushes from the scoring
// oracle. Requests authenticate with a static shared-secret header and may
// additionally carry an HMAC body signature.
type ReceiveHandler struct {
	password     string
	sharedSecret string
	logger       *slog.Logger
}

// NewReceiveHandler creates a ReceiveHandler. sharedSecret may be empty, in
// which case signature verification is skipped for unsigned requests.
func NewReceiveHandler(password, sharedSecret string, logger *slog.Logger) *ReceiveHandler {
	return &ReceiveHandler{
		password:     password,
		sharedSecret: sharedSecret,
		logger:       logger,
	}
}

// Receive validates the request and acknowledges the mapping payload with the
// number of keys received. The mapping sits either under a "mapping" key or
// at the top level.
// POST /receive
func (h *ReceiveHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.password == "" || !crypto.SecureCompare(r.Header.Get("Password"), h.password) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if signature := r.Header.Get("X-Signature"); signature != "" {
		if h.sharedSecret == "" || !crypto.VerifySignature(h.sharedSecret, body, signature) {
			writeError(w, http.StatusUnauthorized, "bad signature")
			return
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	mapping := payload
	if nested, ok := payload["mapping"].(map[string]any); ok {
		mapping = nested
	}

	h.logger.InfoContext(r.Context(), "score mapping received",
		slog.Int("keys", len(mapping)),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"received": len(mapping),
	})
}
