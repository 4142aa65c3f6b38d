package queue

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/savane-labs/backend-pay/internal/common"
)

// DLQEntry is one dead-lettered task as exposed to operators.
type DLQEntry struct {
	Kind        string          `json:"kind"`
	Key         string          `json:"key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	AvailableAt int64           `json:"availableAt"`
}

// AdminHandler exposes dead-letter inspection and requeue endpoints for the
// reconciliation queues.
type AdminHandler struct {
	R        *redis.Client
	Prefix   string
	PageSize int
}

// ListDLQ handles GET /admin/queue/dlq?kind=...&limit=...&offset=...
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.R == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue store unavailable", nil)
		return
	}
	kind := sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	if kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "kind is required", nil)
		return
	}
	limit, offset := h.pagination(r)

	key := dlqKeyFor(h.Prefix, kind)
	raws, err := h.R.LRange(r.Context(), key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	total, err := h.R.LLen(r.Context(), key).Result()
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}

	entries := make([]DLQEntry, 0, len(raws))
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		entries = append(entries, DLQEntry{
			Kind:        msg.Kind,
			Key:         msg.Key,
			Payload:     json.RawMessage(msg.Payload),
			Attempts:    msg.Attempt,
			AvailableAt: msg.AvailableAt,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// RequeueDLQ handles POST /admin/queue/dlq/requeue?kind=...: it drains the
// dead letter list back onto the live queue with attempts reset.
func (h *AdminHandler) RequeueDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.R == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue store unavailable", nil)
		return
	}
	kind := sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	if kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "kind is required", nil)
		return
	}

	key := dlqKeyFor(h.Prefix, kind)
	queueKey := queueKeyFor(h.Prefix, kind)
	ctx := r.Context()
	var moved int
	for {
		raw, err := h.R.RPop(ctx, key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
			return
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.Attempt = 0
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := h.R.ZAdd(ctx, queueKey, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err(); err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
			return
		}
		moved++
	}
	if size, err := h.R.LLen(ctx, key).Result(); err == nil {
		QueueDLQSize.WithLabelValues(kind).Set(float64(size))
	}
	common.JSON(w, http.StatusOK, map[string]any{"requeued": moved})
}

func (h *AdminHandler) pagination(r *http.Request) (int, int) {
	limit := h.PageSize
	if limit <= 0 {
		limit = 50
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func dlqKeyFor(prefix, kind string) string {
	w := Worker{Prefix: prefix}
	return w.dlqKey(kind)
}

func queueKeyFor(prefix, kind string) string {
	w := Worker{Prefix: prefix}
	return w.queueKey(kind)
}
