package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Ghostmonday/synapse-gateway/internal/ledger"
	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

// RegisterRoutes mounts the websocket endpoint, the health probe and
// the privileged audit surface.
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", g.HandleWebSocket)
	r.HandleFunc("/healthz", g.handleHealth).Methods(http.MethodGet)

	audit := r.PathPrefix("/audit").Subrouter()
	audit.Use(g.requireAdmin)
	audit.HandleFunc("/export", g.handleAuditExport).Methods(http.MethodGet)
	audit.HandleFunc("/verify", g.handleAuditVerify).Methods(http.MethodPost)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	seq, chain := g.audit.Head()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"ledger_seq":  seq,
		"ledger_head": chain,
	})
}

// requireAdmin gates the audit routes on a shared operator token.
func (g *Gateway) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if g.adminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(g.adminToken)) != 1 {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAuditExport streams ledger entries, optionally filtered by room
// and bounded by a sequence range. Hashes ride along so an external
// verifier can re-check the chain offline.
func (g *Gateway) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	from := parseSeq(r.URL.Query().Get("from"), 1)
	to := parseSeq(r.URL.Query().Get("to"), 0)
	if to == 0 {
		to, _ = g.audit.Head()
	}

	entries, err := g.audit.Export(r.Context(), roomID, from, to)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("audit export failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "export failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"genesis": ledger.Genesis(),
		"from":    from,
		"to":      to,
		"entries": entries,
	})
}

// handleAuditVerify re-walks the chain over the requested range. A
// mismatch answers 409 with the first offending sequence number.
func (g *Gateway) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	from := parseSeq(r.URL.Query().Get("from"), 1)
	to := parseSeq(r.URL.Query().Get("to"), 0)
	if to == 0 {
		to, _ = g.audit.Head()
	}

	if err := g.audit.Verify(r.Context(), from, to); err != nil {
		var ie *ledger.IntegrityError
		if errors.As(err, &ie) {
			log.Ctx(r.Context()).Error().
				Uint64(log.FieldSeq, ie.Seq).
				Str("reason", ie.Reason).
				Msg("ledger integrity violation")
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"ok":     false,
				"seq":    ie.Seq,
				"reason": ie.Reason,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "verify failed"})
		return
	}

	seq, chain := g.audit.Head()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"head_seq":   seq,
		"head_chain": chain,
	})
}

func parseSeq(s string, def uint64) uint64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
