// Package probe implements connection-first confirmation: before the
// engine accepts a "live" or "deployed" claim, the validator probes
// the backing service's health endpoints and scores the result. A
// passing validation is cached per action type with a TTL so bursts of
// claims do not hammer the endpoints.
package probe

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// DefaultPassThreshold is the two-thirds majority required for a
// validation to pass, in percent.
const DefaultPassThreshold = 66.0

// endpointTable maps action types to the endpoints that must be
// probed before a claim of that kind is confirmable.
var endpointTable = map[string][]string{
	"live_claim":         {"/health", "/system-health", "/memory"},
	"deployment":         {"/health", "/system-health", "/"},
	"feature_activation": {"/health", "/system-health", "/stats"},
	"system_change":      {"/health", "/memory", "/stats"},
	"file_check":         {"/health", "/"},
	"api_check":          {"/health", "/memory", "/stats", "/system-health"},
	"session_operation":  {"/health", "/memory"},
	"general":            {"/health", "/"},
}

// EndpointsFor returns the endpoint set probed for actionType.
// Unknown action types use the general set.
func EndpointsFor(actionType string) []string {
	if eps, ok := endpointTable[actionType]; ok {
		return eps
	}
	return endpointTable["general"]
}

// EndpointResult records one probe.
type EndpointResult struct {
	Endpoint   string    `json:"endpoint"`
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMS  float64   `json:"response_time_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Set only for /health responses that carry the optional fields;
	// their absence never fails the probe.
	HealthScore float64 `json:"health_score,omitempty"`
	AgentReady  bool    `json:"agent_ready,omitempty"`
}

// Result is the outcome of one validation run (or a cache hit).
type Result struct {
	Timestamp           time.Time        `json:"timestamp"`
	ActionType          string           `json:"action_type"`
	ValidationPassed    bool             `json:"validation_passed"`
	ConnectionFresh     bool             `json:"connection_fresh"`
	EndpointsValidated  []string         `json:"endpoints_validated"`
	FailedEndpoints     []EndpointResult `json:"failed_endpoints"`
	HealthScore         float64          `json:"overall_health_score"`
	ConfirmationAllowed bool             `json:"confirmation_allowed"`
	CacheUsed           bool             `json:"cache_used"`
	CacheAgeSeconds     float64          `json:"cache_age_seconds,omitempty"`
	EndpointResults     []EndpointResult `json:"endpoint_results"`
}

// LogEntry is one line of the validation audit log.
type LogEntry struct {
	Timestamp           time.Time `json:"timestamp"`
	ActionType          string    `json:"action_type"`
	ValidationPassed    bool      `json:"validation_passed"`
	HealthScore         float64   `json:"health_score"`
	EndpointsTested     int       `json:"endpoints_tested"`
	ConfirmationAllowed bool      `json:"confirmation_allowed"`
}

type cacheEntry struct {
	result    Result
	cachedAt  time.Time
	expiresAt time.Time
}

// Options configures a Validator. Zero values take defaults.
type Options struct {
	BaseURL       string        // service under validation, e.g. http://127.0.0.1:80
	Timeout       time.Duration // per-probe, default 5s
	PassThreshold float64       // percent, default 66
	CacheTTL      time.Duration // default 60s
	LogCap        int           // validation audit log cap, default 100

	// OnResult, when set, receives every fresh validation result
	// (cache hits excluded). Used for metrics export.
	OnResult func(Result)
}

// Validator probes health endpoints and scores connection freshness.
type Validator struct {
	baseURL       string
	client        *http.Client
	passThreshold float64
	ttl           time.Duration
	logger        *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	logMu  sync.Mutex
	log    []LogEntry
	logCap int

	onResult func(Result)
}

// New creates a validator.
func New(opts Options, logger *slog.Logger) *Validator {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.PassThreshold <= 0 {
		opts.PassThreshold = DefaultPassThreshold
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	if opts.LogCap <= 0 {
		opts.LogCap = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		baseURL:       opts.BaseURL,
		client:        &http.Client{Timeout: opts.Timeout},
		passThreshold: opts.PassThreshold,
		ttl:           opts.CacheTTL,
		logger:        logger,
		cache:         make(map[string]cacheEntry),
		logCap:        opts.LogCap,
		onResult:      opts.OnResult,
	}
}

// Validate probes the endpoint set for actionType (or the explicit
// endpoints, when given) and scores the result. Probes run in
// parallel; a probe failure only lowers the score, it never aborts the
// run. Every call is appended to the validation audit log, and passing
// results are cached for the TTL.
func (v *Validator) Validate(ctx context.Context, actionType string, endpoints ...string) Result {
	if len(endpoints) == 0 {
		endpoints = EndpointsFor(actionType)
	}

	results := make([]EndpointResult, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			results[i] = v.probe(ctx, ep)
		}(i, ep)
	}
	wg.Wait()

	res := Result{
		Timestamp:       time.Now().UTC(),
		ActionType:      actionType,
		ConnectionFresh: true, // all probes just ran
		EndpointResults: results,
	}
	successes := 0
	for _, r := range results {
		if r.Status == StatusSuccess {
			successes++
			res.EndpointsValidated = append(res.EndpointsValidated, r.Endpoint)
		} else {
			res.FailedEndpoints = append(res.FailedEndpoints, r)
		}
	}
	if len(endpoints) > 0 {
		res.HealthScore = float64(successes) / float64(len(endpoints)) * 100
	}
	res.ValidationPassed = res.HealthScore >= v.passThreshold
	res.ConfirmationAllowed = res.ValidationPassed

	v.appendLog(LogEntry{
		Timestamp:           res.Timestamp,
		ActionType:          actionType,
		ValidationPassed:    res.ValidationPassed,
		HealthScore:         res.HealthScore,
		EndpointsTested:     len(endpoints),
		ConfirmationAllowed: res.ConfirmationAllowed,
	})

	if res.ValidationPassed {
		v.cacheMu.Lock()
		now := time.Now().UTC()
		v.cache[actionType] = cacheEntry{result: res, cachedAt: now, expiresAt: now.Add(v.ttl)}
		v.cacheMu.Unlock()
	} else {
		v.logger.Warn("connection validation failed",
			slog.String("action_type", actionType),
			slog.Float64("health_score", res.HealthScore))
	}

	if v.onResult != nil {
		v.onResult(res)
	}

	return res
}

// Cached returns the cached result for actionType while it is still
// fresh. The copy has CacheUsed set and carries the cache age.
func (v *Validator) Cached(actionType string) (Result, bool) {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()

	entry, ok := v.cache[actionType]
	if !ok {
		return Result{}, false
	}
	now := time.Now().UTC()
	if !now.Before(entry.expiresAt) {
		return Result{}, false
	}
	res := entry.result
	res.CacheUsed = true
	res.CacheAgeSeconds = now.Sub(entry.cachedAt).Seconds()
	return res, true
}

// ForceFresh drops any cache entry for actionType and re-validates.
func (v *Validator) ForceFresh(ctx context.Context, actionType string, endpoints ...string) Result {
	v.cacheMu.Lock()
	delete(v.cache, actionType)
	v.cacheMu.Unlock()
	return v.Validate(ctx, actionType, endpoints...)
}

// ValidationLog returns a copy of the validation audit log,
// oldest first.
func (v *Validator) ValidationLog() []LogEntry {
	v.logMu.Lock()
	defer v.logMu.Unlock()

	out := make([]LogEntry, len(v.log))
	copy(out, v.log)
	return out
}

func (v *Validator) appendLog(entry LogEntry) {
	v.logMu.Lock()
	defer v.logMu.Unlock()

	v.log = append(v.log, entry)
	if len(v.log) > v.logCap {
		v.log = v.log[len(v.log)-v.logCap:]
	}
}

func (v *Validator) probe(ctx context.Context, endpoint string) EndpointResult {
	result := EndpointResult{Endpoint: endpoint, Timestamp: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+endpoint, nil)
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	resp, err := v.client.Do(req)
	result.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 {
		result.Status = StatusFailed
		return result
	}
	result.Status = StatusSuccess

	if endpoint == "/health" && resp.StatusCode == http.StatusOK {
		var body struct {
			ConnectionHealthScore float64 `json:"connection_health_score"`
			AgentReady            bool    `json:"agent_confirmation_ready"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			result.HealthScore = body.ConnectionHealthScore
			result.AgentReady = body.AgentReady
		}
	}

	return result
}
