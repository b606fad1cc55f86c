package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxBatchEntries = 500

type kvWriteRequest struct {
	Value      string `json:"value"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type kvBatchRequest struct {
	Entries    map[string]string `json:"entries"`
	TTLSeconds int               `json:"ttl_seconds"`
}

func (r *Router) handleKVKey(w http.ResponseWriter, req *http.Request) {
	if r.kv == nil {
		writeError(w, http.StatusServiceUnavailable, "kv store not configured")
		return
	}
	key := strings.TrimPrefix(req.URL.Path, "/kv/")
	if key == "" {
		r.notFound(w)
		return
	}
	ctx := req.Context()
	switch req.Method {
	case http.MethodGet:
		value, err := r.kv.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		if err != nil {
			r.kvUnavailable(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
	case http.MethodPut:
		var payload kvWriteRequest
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.TTLSeconds < 0 {
			writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
			return
		}
		ttl := time.Duration(payload.TTLSeconds) * time.Second
		if err := r.kv.Set(ctx, key, payload.Value, ttl).Err(); err != nil {
			r.kvUnavailable(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": payload.Value})
	case http.MethodDelete:
		deleted, err := r.kv.Del(ctx, key).Result()
		if err != nil {
			r.kvUnavailable(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "deleted": deleted})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleKVMulti(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.kv == nil {
		writeError(w, http.StatusServiceUnavailable, "kv store not configured")
		return
	}
	keys := splitKeys(req.URL.Query().Get("keys"))
	if len(keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys query parameter required")
		return
	}
	values, err := r.kv.MGet(req.Context(), keys...).Result()
	if err != nil {
		r.kvUnavailable(w, req, err)
		return
	}
	out := make(map[string]any, len(keys))
	for i, key := range keys {
		if i < len(values) {
			out[key] = values[i]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": out})
}

func (r *Router) handleKVBatch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.kv == nil {
		writeError(w, http.StatusServiceUnavailable, "kv store not configured")
		return
	}
	var payload kvBatchRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(payload.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "entries required")
		return
	}
	if len(payload.Entries) > maxBatchEntries {
		writeError(w, http.StatusBadRequest, "too many entries")
		return
	}
	keys := make([]string, 0, len(payload.Entries))
	for key := range payload.Entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ttl := time.Duration(payload.TTLSeconds) * time.Second
	ctx := req.Context()
	_, err := r.kv.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Set(ctx, key, payload.Entries[key], ttl)
		}
		return nil
	})
	if err != nil {
		r.kvUnavailable(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"written": len(keys)})
}

func (r *Router) kvUnavailable(w http.ResponseWriter, req *http.Request, err error) {
	r.logger.Error("kv command failed", "path", req.URL.Path, "error", err)
	writeError(w, http.StatusBadGateway, "kv store unavailable")
}

func splitKeys(raw string) []string {
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if key := strings.TrimSpace(part); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
