package app

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/yachtmes/offline/internal/engine"
	"github.com/yachtmes/offline/internal/engine/metrics"
	"github.com/yachtmes/offline/internal/engine/storage"

	enginepush "github.com/yachtmes/offline/internal/engine/push"
)

const stuckListLimit = 200

// stuckMutation is the operator-facing view of one parked ledger entry.
type stuckMutation struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	AttemptCount int32     `json:"attempt_count"`
	LastError    string    `json:"last_error"`
	CreatedAt    time.Time `json:"created_at"`
}

func newAdminHandler(eng *engine.Engine, ledger storage.MutationLedger, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /admin/stuck", func(w http.ResponseWriter, r *http.Request) {
		handleListStuck(w, r, ledger)
	})
	mux.HandleFunc("DELETE /admin/stuck/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleEvictStuck(w, r, ledger)
	})
	mux.HandleFunc("POST /admin/sync", func(w http.ResponseWriter, r *http.Request) {
		if _, err := eng.Dispatch(r.Context(), engine.Sync{Tag: engine.SyncTagConnectivity}); err != nil {
			log.Printf("manual sync: %v", err)
			http.Error(w, "sync failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /admin/push", func(w http.ResponseWriter, r *http.Request) {
		handlePush(w, r, eng)
	})
	mux.HandleFunc("POST /admin/notifications/{tag}/click", func(w http.ResponseWriter, r *http.Request) {
		handleNotificationClick(w, r, eng)
	})
	return mux
}

func handleListStuck(w http.ResponseWriter, r *http.Request, ledger storage.MutationLedger) {
	stuck, err := ledger.ListStuck(r.Context(), stuckListLimit)
	if err != nil {
		log.Printf("list stuck mutations: %v", err)
		http.Error(w, "list stuck mutations", http.StatusInternalServerError)
		return
	}

	views := make([]stuckMutation, 0, len(stuck))
	for _, mutation := range stuck {
		views = append(views, stuckMutation{
			ID:           mutation.ID,
			Endpoint:     mutation.Endpoint,
			Method:       mutation.Method,
			AttemptCount: mutation.AttemptCount,
			LastError:    mutation.LastError,
			CreatedAt:    mutation.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		log.Printf("encode stuck mutations: %v", err)
	}
}

func handleEvictStuck(w http.ResponseWriter, r *http.Request, ledger storage.MutationLedger) {
	id := r.PathValue("id")
	if err := ledger.EvictStuck(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "stuck mutation not found", http.StatusNotFound)
			return
		}
		log.Printf("evict stuck mutation %s: %v", id, err)
		http.Error(w, "evict stuck mutation", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handlePush(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read push payload", http.StatusBadRequest)
		return
	}

	result, err := eng.Dispatch(r.Context(), engine.Push{Payload: payload})
	if err != nil {
		if errors.Is(err, enginepush.ErrTitleRequired) || errors.Is(err, enginepush.ErrTagRequired) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("handle push: %v", err)
		http.Error(w, "handle push", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(result.Notification); err != nil {
		log.Printf("encode notification: %v", err)
	}
}

func handleNotificationClick(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	tag := r.PathValue("tag")
	if _, err := eng.Dispatch(r.Context(), engine.NotificationClick{Tag: tag}); err != nil {
		if errors.Is(err, enginepush.ErrUnknownTag) {
			http.Error(w, "notification not found", http.StatusNotFound)
			return
		}
		log.Printf("handle notification click %s: %v", tag, err)
		http.Error(w, "handle notification click", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
