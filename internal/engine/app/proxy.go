package app

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/yachtmes/offline/internal/engine"
	"github.com/yachtmes/offline/internal/engine/interceptor"
	"github.com/yachtmes/offline/internal/engine/transport"
)

// queuedResponse is the acceptance body returned for writes captured while
// the upstream is unreachable. The caller sees "queued", never "saved".
type queuedResponse struct {
	Status     string `json:"status"`
	MutationID string `json:"mutation_id"`
}

type proxyHandler struct {
	engine *engine.Engine
}

func newProxyHandler(eng *engine.Engine) http.Handler {
	return &proxyHandler{engine: eng}
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	target := r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	result, err := h.engine.Dispatch(r.Context(), engine.Fetch{Request: transport.Request{
		Method: r.Method,
		URL:    target,
		Header: r.Header.Clone(),
		Body:   body,
	}})
	if err != nil {
		writeProxyError(w, err)
		return
	}

	resolution := result.Resolution
	if resolution.Source == interceptor.SourceQueued {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(queuedResponse{
			Status:     "queued",
			MutationID: resolution.MutationID,
		}); err != nil {
			log.Printf("encode queued response: %v", err)
		}
		return
	}

	for name, values := range resolution.Response.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set("X-Offline-Source", string(resolution.Source))
	w.WriteHeader(resolution.Response.StatusCode)
	if _, err := w.Write(resolution.Response.Body); err != nil {
		log.Printf("write proxy response: %v", err)
	}
}

func writeProxyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interceptor.ErrCacheMiss):
		http.Error(w, "not cached and upstream unreachable", http.StatusGatewayTimeout)
	case errors.Is(err, transport.ErrNetworkUnreachable):
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
	default:
		http.Error(w, "proxy request failed", http.StatusInternalServerError)
	}
}
