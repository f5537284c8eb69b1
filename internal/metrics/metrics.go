package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Count of market ticks ingested"},
		[]string{"symbol"},
	)
	TicksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ticks_dropped_total", Help: "Malformed provider messages dropped"},
	)
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Feed reconnect attempts"},
	)
	SubscribeBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "subscribe_batches_total", Help: "Coalesced upstream subscription batches"},
		[]string{"op"},
	)
	SignalWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signal_writes_total", Help: "Signal records upserted"},
		[]string{"symbol"},
	)
	SignalClaims = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "signal_claims_total", Help: "Signals claimed for entry"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Positions opened"},
		[]string{"symbol", "mode"},
	)
	ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "exits_total", Help: "Positions closed"},
		[]string{"symbol", "reason"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, TicksDropped, Reconnects, SubscribeBatches,
		SignalWrites, SignalClaims, OrdersTotal, ExitsTotal,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
