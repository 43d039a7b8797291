package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jsqueue/internal/broker"
	"jsqueue/internal/metrics"
)

const probeTimeout = 5 * time.Second

// brokerStatus is the part of broker.Manager the HTTP endpoints read.
type brokerStatus interface {
	IsConnected() bool
	Ping(ctx context.Context) bool
	VerifySubscriptionsHealthy(ctx context.Context) bool
	State() broker.ConnState
	Subscriptions() []broker.SubscriptionStatus
}

type statusResponse struct {
	Status        string                      `json:"status"`
	State         broker.ConnState            `json:"state"`
	Subscriptions []broker.SubscriptionStatus `json:"subscriptions,omitempty"`
}

func newHTTPHandler(mgr brokerStatus, sp metrics.StatsProvider, reg *prometheus.Registry, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	if reg != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		ok := mgr.IsConnected() && mgr.Ping(ctx)
		writeStatus(w, ok, statusResponse{State: mgr.State()})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		ok := mgr.IsConnected() && mgr.VerifySubscriptionsHealthy(ctx)
		writeStatus(w, ok, statusResponse{State: mgr.State(), Subscriptions: mgr.Subscriptions()})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sp.GetStats())
	})

	return mux
}

func writeStatus(w http.ResponseWriter, ok bool, resp statusResponse) {
	code := http.StatusOK
	resp.Status = "ok"
	if !ok {
		code = http.StatusServiceUnavailable
		resp.Status = "unavailable"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
