package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Middleware records the HTTP RED metrics. Routes are labelled by chi
// pattern, requests that never matched a route share the "unmatched" label.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// chi writes the matched pattern into an existing route context
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		snap := httpsnoop.CaptureMetrics(next, w, r)
		m.observe(r, snap)
	})
}

func (m *ServerMetrics) observe(r *http.Request, snap httpsnoop.Metrics) {
	ctx := r.Context()
	route := chi.RouteContext(ctx).RoutePattern()
	// raw paths would let scanners mint unbounded label values
	if route == "" {
		route = "unmatched"
	}

	m.reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(snap.Code)).Inc()
	if snap.Code >= http.StatusInternalServerError {
		m.errorsTotal.WithLabelValues(r.Method, route).Inc()
	}

	dur := m.reqDur.WithLabelValues(r.Method, route)
	eo, ok := dur.(prometheus.ExemplarObserver)
	if ex := traceExemplar(ctx); ex != nil && ok {
		eo.ObserveWithExemplar(snap.Duration.Seconds(), ex)
	} else {
		dur.Observe(snap.Duration.Seconds())
	}

	m.respBytes.WithLabelValues(r.Method, route).Observe(float64(snap.Written))
}

// traceExemplar links a sampled trace to the latency observation
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
