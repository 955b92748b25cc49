package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/yaotools/toolmeter/internal/ledger"
)

// Collector tracks request and metering counters for the /metrics endpoint.
// It satisfies the Recorder interfaces of ledger, redeem, activation and chat.
type Collector struct {
	mu sync.RWMutex

	// HTTP
	totalRequests      map[string]int64
	totalRequestsDur   map[string]int64 // ms
	requestErrors      map[string]int64
	requestsInProgress map[string]int64

	rateLimitHits    int64
	rateLimitByScope map[string]int64

	// metering
	ledgerOps      map[string]int64 // direction|reason|outcome
	redeemOutcomes map[string]int64
	activations    map[string]int64
	inference      map[string]int64 // mode|outcome
	inferenceMs    map[string]int64 // mode
	tokensUsed     int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		rateLimitByScope:   make(map[string]int64),
		ledgerOps:          make(map[string]int64),
		redeemOutcomes:     make(map[string]int64),
		activations:        make(map[string]int64),
		inference:          make(map[string]int64),
		inferenceMs:        make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequest records a finished request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
	if status >= 500 {
		c.requestErrors[endpoint]++
	}
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsInProgress[endpoint]--
}

// RecordRateLimitHit records a throttled request.
func (c *Collector) RecordRateLimitHit(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHits++
	c.rateLimitByScope[scope]++
}

// RecordLedger counts a balance mutation attempt.
func (c *Collector) RecordLedger(direction ledger.Direction, reason ledger.Reason, outcome string) {
	key := string(direction) + "|" + string(reason) + "|" + outcome
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledgerOps[key]++
}

// RecordRedeem counts a redemption attempt.
func (c *Collector) RecordRedeem(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redeemOutcomes[outcome]++
}

// RecordActivation counts an activation attempt.
func (c *Collector) RecordActivation(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activations[outcome]++
}

// RecordInference counts a finished inference call.
func (c *Collector) RecordInference(mode, outcome string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inference[mode+"|"+outcome]++
	c.inferenceMs[mode] += elapsed.Milliseconds()
}

// RecordTokens adds provider-reported token usage.
func (c *Collector) RecordTokens(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokensUsed += int64(n)
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress map[string]int64
	RateLimitHits      int64
	RateLimitByScope   map[string]int64
	LedgerOps          map[string]int64
	RedeemOutcomes     map[string]int64
	Activations        map[string]int64
	Inference          map[string]int64
	InferenceMs        map[string]int64
	TokensUsed         int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: copyMap(c.requestsInProgress),
		RateLimitHits:      c.rateLimitHits,
		RateLimitByScope:   copyMap(c.rateLimitByScope),
		LedgerOps:          copyMap(c.ledgerOps),
		RedeemOutcomes:     copyMap(c.redeemOutcomes),
		Activations:        copyMap(c.activations),
		Inference:          copyMap(c.inference),
		InferenceMs:        copyMap(c.inferenceMs),
		TokensUsed:         c.tokensUsed,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func splitKey(key string, n int) []string {
	parts := strings.SplitN(key, "|", n)
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts
}
