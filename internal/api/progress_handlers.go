package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlkit/internal/progress"
)

const (
	defaultTaskLimit = 100
	maxTaskLimit     = 1000
)

// ProgressSource lists the files currently being tracked.
type ProgressSource interface {
	Active() []progress.TaskProgress
}

// ProgressHandler exposes read-only download progress.
type ProgressHandler struct {
	source ProgressSource
	logger *zap.Logger
}

// NewProgressHandler wires the source and logger.
func NewProgressHandler(source ProgressSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{source: source, logger: logger}
}

// ListTasks handles GET /v1/progress?state=&limit=&offset=. It returns
// {"tasks": [...], "total": n} on success, 400 for invalid filters, or 503 when
// no progress source is configured.
func (h *ProgressHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracking unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var want progress.State
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		want, err = parseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	tasks := make([]progress.TaskProgress, 0)
	for _, t := range h.source.Active() {
		if want == "" || t.State == want {
			tasks = append(tasks, t)
		}
	}
	total := len(tasks)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks[start:end],
		"total": total,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseState(input string) (progress.State, error) {
	switch strings.ToLower(input) {
	case "pending":
		return progress.StatePending, nil
	case "downloading", "running":
		return progress.StateDownloading, nil
	default:
		return "", errors.New("invalid state")
	}
}
