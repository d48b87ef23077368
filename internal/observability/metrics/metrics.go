package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超出最大桶的样本只计入 +Inf（即 h.count）。
}

type collector struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	latency     map[string]*histogram
	tasks       map[string]uint64
	settlements map[string]uint64
	hbarSettled float64
}

var economyCollector = &collector{
	requests:    make(map[requestKey]uint64),
	latency:     make(map[string]*histogram),
	tasks:       make(map[string]uint64),
	settlements: make(map[string]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := economyCollector
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	hist := c.latency[handler]
	if hist == nil {
		hist = newHistogram()
		c.latency[handler] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveTask 按终态累计任务计数。
func ObserveTask(status string) {
	c := economyCollector
	c.mu.Lock()
	c.tasks[status]++
	c.mu.Unlock()
}

// ObserveSettlement 累计结算计数与成功结算金额。
func ObserveSettlement(status string, amountHBAR float64) {
	c := economyCollector
	c.mu.Lock()
	c.settlements[status]++
	if status == "settled" {
		c.hbarSettled += amountHBAR
	}
	c.mu.Unlock()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, economyCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP economy_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE economy_http_requests_total counter\n")
	reqKeys := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].handler != reqKeys[j].handler {
			return reqKeys[i].handler < reqKeys[j].handler
		}
		if reqKeys[i].method != reqKeys[j].method {
			return reqKeys[i].method < reqKeys[j].method
		}
		return reqKeys[i].code < reqKeys[j].code
	})
	for _, key := range reqKeys {
		builder.WriteString(fmt.Sprintf("economy_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key]))
	}

	builder.WriteString("# HELP economy_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE economy_http_request_duration_seconds histogram\n")
	handlers := make([]string, 0, len(c.latency))
	for handler := range c.latency {
		handlers = append(handlers, handler)
	}
	sort.Strings(handlers)
	for _, handler := range handlers {
		hist := c.latency[handler]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("economy_http_request_duration_seconds_bucket{handler=\"%s\",le=\"%s\"} %d\n",
				escape(handler), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("economy_http_request_duration_seconds_bucket{handler=\"%s\",le=\"+Inf\"} %d\n",
			escape(handler), hist.count))
		builder.WriteString(fmt.Sprintf("economy_http_request_duration_seconds_sum{handler=\"%s\"} %s\n",
			escape(handler), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("economy_http_request_duration_seconds_count{handler=\"%s\"} %d\n",
			escape(handler), hist.count))
	}

	builder.WriteString("# HELP economy_tasks_total Tasks by terminal status.\n")
	builder.WriteString("# TYPE economy_tasks_total counter\n")
	writeLabeledCounter(&builder, "economy_tasks_total", "status", c.tasks)

	builder.WriteString("# HELP economy_settlements_total Settlement attempts by outcome.\n")
	builder.WriteString("# TYPE economy_settlements_total counter\n")
	writeLabeledCounter(&builder, "economy_settlements_total", "status", c.settlements)

	builder.WriteString("# HELP economy_hbar_settled_total Cumulative HBAR settled to workers.\n")
	builder.WriteString("# TYPE economy_hbar_settled_total counter\n")
	builder.WriteString(fmt.Sprintf("economy_hbar_settled_total %s\n", formatFloat(c.hbarSettled)))

	return builder.String()
}

func writeLabeledCounter(builder *strings.Builder, name, label string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf("%s{%s=\"%s\"} %d\n", name, label, escape(key), values[key]))
	}
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
