package health

import (
	"context"
	"net/http"
	"time"

	"github.com/hilthontt/ephemera/internal/infrastructure/json"
)

const checkTimeout = 2 * time.Second

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Handler struct {
	checks map[string]Check
}

func NewHandler(checks map[string]Check) *Handler {
	if checks == nil {
		checks = map[string]Check{}
	}
	return &Handler{checks: checks}
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	data := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	}
	_ = json.Write(w, http.StatusOK, data)
}

// GetReady runs every registered check and answers 503 when one fails.
func (h *Handler) GetReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	data := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]string, len(h.checks)),
	}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			data.Checks[name] = err.Error()
			data.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		data.Checks[name] = "ok"
	}
	_ = json.Write(w, status, data)
}
