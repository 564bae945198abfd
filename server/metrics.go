package main

import (
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-martini/martini"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	requestsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sga",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "status"})

	requestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sga",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	errorsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sga",
		Name:      "http_errors_total",
		Help:      "HTTP responses with status 400 or higher.",
	})

	launchesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sga",
		Name:      "lti_launches_total",
		Help:      "Initial LTI launches by resolved role.",
	}, []string{"role"})

	gradeSendsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sga",
		Name:      "grade_sends_total",
		Help:      "Grade returns to the host by result.",
	}, []string{"result"})

	goroutineGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sga",
		Name:      "goroutines",
		Help:      "Number of goroutines.",
	}, func() float64 { return float64(runtime.NumGoroutine()) })
)

func registerMetrics(reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		reg.MustRegister(requestsCounter, requestSeconds, errorsCounter, launchesCounter, gradeSendsCounter, goroutineGauge)
	})
}

// counter is martini middleware that records request metrics.
func counter(w http.ResponseWriter, r *http.Request, c martini.Context, route martini.Route) {
	start := time.Now()
	c.Next()
	seconds := time.Since(start).Seconds()

	name := route.GetName()
	if name == "" {
		name = route.Pattern()
	}
	rw := w.(martini.ResponseWriter)
	status := rw.Status()
	requestsCounter.WithLabelValues(name, strconv.Itoa(status)).Inc()
	requestSeconds.WithLabelValues(name).Observe(seconds)
	if status >= 400 {
		errorsCounter.Inc()
	}
}
