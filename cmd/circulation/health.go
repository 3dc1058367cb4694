package main

import (
	"context"
	"net/http"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

type brokerHealth interface {
	IsHealthy() bool
}

// healthHandler reports 503 when the database does not answer or, with the
// relay enabled, the broker connection is closed. broker may be nil.
func healthHandler(db pinger, broker brokerHealth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if broker != nil && !broker.IsHealthy() {
			http.Error(w, "event broker unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
