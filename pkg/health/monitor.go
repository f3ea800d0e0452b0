package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/brc420/ordindexer/pkg/log"
	"github.com/brc420/ordindexer/pkg/metrics"
	"github.com/rs/zerolog"
)

// Result is the outcome of one probe of a dependency the indexer
// relies on: the ordinals gateway's HTTP API, or the Redis cache's
// TCP port.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one dependency and reports its current Result.
type Checker interface {
	Check(ctx context.Context) Result
}

// HTTPChecker confirms a gateway endpoint answers within an
// acceptable status range. Used against the ordinals API's
// block-height endpoint.
type HTTPChecker struct {
	URL               string
	Method            string
	ExpectedStatusMin int
	ExpectedStatusMax int
	Client            *http.Client
}

// NewHTTPChecker builds an HTTPChecker with a GET/200-399 default.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		Method:            http.MethodGet,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client:            &http.Client{Timeout: 10 * time.Second},
	}
}

// Check performs the HTTP request and classifies the response.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("failed to build request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}

	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

// TCPChecker confirms a TCP address is dialable. Used against the
// Redis cache's host:port.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker builds a TCPChecker with a 5s dial timeout.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

// Check dials the address and immediately closes the connection.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("dial failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer conn.Close()

	return Result{Healthy: true, Message: fmt.Sprintf("tcp connection to %s succeeded", t.Address), CheckedAt: start, Duration: time.Since(start)}
}

// unhealthyThreshold is the number of consecutive failed probes
// required before a dependency is reported unhealthy. A single
// missed probe (a dropped packet, a gateway hiccup) does not flip a
// component's status, mirroring the bounded-retry philosophy the
// gateway client itself uses for royalty-sensitive lookups rather
// than reacting to the first failure.
const unhealthyThreshold = 2

// debounce tracks consecutive probe outcomes for one dependency.
type debounce struct {
	consecutiveFailures int
	healthy             bool
}

func (d *debounce) update(result Result) bool {
	if result.Healthy {
		d.consecutiveFailures = 0
		d.healthy = true
		return true
	}
	d.consecutiveFailures++
	if d.consecutiveFailures >= unhealthyThreshold {
		d.healthy = false
	}
	return d.healthy
}

// Monitor periodically runs a set of named checkers and reports each
// debounced outcome into the metrics health registry.
type Monitor struct {
	checkers map[string]Checker
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}

	mu        sync.Mutex
	debounced map[string]*debounce
}

// NewMonitor creates a Monitor that checks each named checker every interval.
func NewMonitor(checkers map[string]Checker, interval time.Duration) *Monitor {
	return &Monitor{
		checkers:  checkers,
		interval:  interval,
		logger:    log.WithComponent("health"),
		stopCh:    make(chan struct{}),
		debounced: make(map[string]*debounce),
	}
}

// Start begins the monitoring loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitoring loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.checkOnce()

	for {
		select {
		case <-ticker.C:
			m.checkOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) checkOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	for name, checker := range m.checkers {
		result := checker.Check(ctx)

		m.mu.Lock()
		d, ok := m.debounced[name]
		if !ok {
			d = &debounce{healthy: true}
			m.debounced[name] = d
		}
		healthy := d.update(result)
		m.mu.Unlock()

		metrics.UpdateComponent(name, healthy, result.Message)
		if !healthy {
			m.logger.Warn().Str("dependency", name).Str("message", result.Message).Msg("dependency unhealthy")
		}
	}
}
