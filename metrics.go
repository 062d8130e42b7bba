package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	quotesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotes_created",
		Help: "The total number of quotes created",
	})
	uploadsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uploads",
		Help: "The total number of upload attempts by outcome",
	}, []string{"outcome"})
	stagedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staged_files",
		Help: "The total number of files staged",
	})
	rejectionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rejections",
		Help: "The total number of rejected requests by error kind",
	}, []string{"kind"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_response_duration_seconds",
		Help: "Latency of requests in second.",
	}, []string{"path", "code"})
)

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
			// the route pattern is only known once the router has matched
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			httpDuration.WithLabelValues(path, strconv.Itoa(ww.Status())).Observe(v)
		}))

		next.ServeHTTP(ww, r)

		timer.ObserveDuration()
	})
}
