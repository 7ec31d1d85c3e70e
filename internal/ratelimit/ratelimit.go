// Package ratelimit implements the Rate-Limit Coordinator: the single gate on the
// executor's shared quota, including emergency-stop handling and restart-safe
// persistence of its ledger.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/poppobuilder/poppod/internal/eventbus"
	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
	"github.com/poppobuilder/poppod/internal/metrics"
	"github.com/poppobuilder/poppod/internal/statestore"
)

// DecisionKind classifies the outcome of a reserve() call.
type DecisionKind string

const (
	Allow   DecisionKind = "allow"
	Delay   DecisionKind = "delay"
	Reject  DecisionKind = "reject"
)

// RejectReason enumerates why reserve() refused a request.
type RejectReason string

const (
	ReasonEmergencyStop RejectReason = "emergency-stop"
	ReasonQuota         RejectReason = "quota"
	ReasonOutsideHours  RejectReason = "outside-hours"
	ReasonSessionInvalid RejectReason = "session-invalid"
)

// Decision is the result of a reserve() call.
type Decision struct {
	Kind   DecisionKind
	Delay  time.Duration
	Reason RejectReason
}

// Outcome is what a worker reports to the coordinator after an executor run.
type Outcome struct {
	OK          bool
	RateLimited bool
	UnlockAt    time.Time
	Tokens      int
}

// tokenSample is one minute-window token usage observation.
type tokenSample struct {
	At     time.Time `json:"ts"`
	Tokens int       `json:"n"`
}

// ledger is the durable shape persisted to rate-limit.json.
type ledger struct {
	Requests       []time.Time   `json:"requests"`
	Tokens         []tokenSample `json:"tokens"`
	EmergencyStop  stopState     `json:"emergencyStop"`
	SessionInvalid invalidState  `json:"sessionInvalid"`
}

type stopState struct {
	Active   bool      `json:"active"`
	Reason   string    `json:"reason,omitempty"`
	UnlockAt time.Time `json:"unlockAt,omitzero"`
}

type invalidState struct {
	Active bool      `json:"active"`
	Since  time.Time `json:"since,omitzero"`
}

const (
	requestWindow = time.Minute
	tokenWindow   = time.Minute
	requestLimit  = 60
	tokenLimit    = 40_000
	jitter        = 2 * time.Second
)

// Coordinator guards the shared executor quota.
type Coordinator struct {
	mu    sync.Mutex
	store *statestore.Store
	bus   *eventbus.Bus

	l ledger

	avgTokensByProject map[string]float64

	metrics metrics.Recorder
}

// New constructs a Coordinator, restoring any persisted ledger so a restart does
// not re-enter a forbidden state.
func New(store *statestore.Store, bus *eventbus.Bus) (*Coordinator, error) {
	c := &Coordinator{
		store:              store,
		bus:                bus,
		avgTokensByProject: make(map[string]float64),
		metrics:            metrics.NoopRecorder{},
	}
	if err := store.LoadInto(statestore.KindRateLimit, &c.l); err != nil {
		return nil, err
	}
	return c, nil
}

// WithMetrics attaches a metrics recorder; request and token window
// utilization are reported to it whenever Utilization is computed.
func (c *Coordinator) WithMetrics(rec metrics.Recorder) *Coordinator {
	if rec != nil {
		c.metrics = rec
	}
	return c
}

// Reserve decides whether a project may dispatch a task now, given an estimated
// token cost (the caller's recent average, or a global default when unknown).
func (c *Coordinator) Reserve(ctx context.Context, projectID string, estimatedTokens int) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()

	if c.l.SessionInvalid.Active {
		return Decision{Kind: Reject, Reason: ReasonSessionInvalid}
	}

	if c.l.EmergencyStop.Active {
		unlock := c.l.EmergencyStop.UnlockAt.Add(jitter)
		if now.Before(unlock) {
			return Decision{Kind: Reject, Reason: ReasonEmergencyStop}
		}
		// Recovery is automatic: clear on the first reserve at/after unlockAt.
		c.l.EmergencyStop = stopState{}
		c.persistLocked()
		if c.bus != nil {
			_ = c.bus.Publish(ctx, eventbus.EmergencyStopCleared{ClearedAt: now})
		}
	}

	c.pruneLocked(now)

	if len(c.l.Requests) >= requestLimit {
		return Decision{Kind: Delay, Delay: requestWindow / requestLimit}
	}

	used := 0
	for _, s := range c.l.Tokens {
		used += s.Tokens
	}
	if used+estimatedTokens > tokenLimit {
		return Decision{Kind: Reject, Reason: ReasonQuota}
	}

	c.l.Requests = append(c.l.Requests, now)
	c.l.Tokens = append(c.l.Tokens, tokenSample{At: now, Tokens: estimatedTokens})
	c.persistLocked()

	return Decision{Kind: Allow}
}

func (c *Coordinator) pruneLocked(now time.Time) {
	reqCutoff := now.Add(-requestWindow)
	var reqs []time.Time
	for _, t := range c.l.Requests {
		if t.After(reqCutoff) {
			reqs = append(reqs, t)
		}
	}
	c.l.Requests = reqs

	tokCutoff := now.Add(-tokenWindow)
	var toks []tokenSample
	for _, s := range c.l.Tokens {
		if s.At.After(tokCutoff) {
			toks = append(toks, s)
		}
	}
	c.l.Tokens = toks
}

// NotifyRateLimit records that the executor reported quota exhaustion, persists
// immediately and emits emergency-stop.
func (c *Coordinator) NotifyRateLimit(ctx context.Context, unlockAt time.Time) {
	c.mu.Lock()
	c.l.EmergencyStop = stopState{Active: true, Reason: "executor-rate-limit", UnlockAt: unlockAt}
	c.persistLocked()
	c.mu.Unlock()

	if c.bus != nil {
		_ = c.bus.Publish(ctx, eventbus.EmergencyStopTriggered{Reason: "executor-rate-limit", TriggeredAt: time.Now().UTC()})
		_ = c.bus.Publish(ctx, eventbus.RateLimitExhausted{Window: "requests", ResetAt: unlockAt, ExhaustedAt: time.Now().UTC()})
	}
}

// NotifySessionInvalid pauses all dispatch until an operator clears it.
func (c *Coordinator) NotifySessionInvalid(ctx context.Context, reason string) {
	c.mu.Lock()
	c.l.SessionInvalid = invalidState{Active: true, Since: time.Now().UTC()}
	c.persistLocked()
	c.mu.Unlock()

	if c.bus != nil {
		_ = c.bus.Publish(ctx, eventbus.SessionInvalidated{Reason: reason, InvalidatedAt: time.Now().UTC()})
	}
}

// ClearSessionInvalid is the operator action that resumes dispatch.
func (c *Coordinator) ClearSessionInvalid() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l.SessionInvalid = invalidState{}
	c.persistLocked()
}

// EmergencyStop reports whether dispatch is currently halted by a rate limit.
func (c *Coordinator) EmergencyStop() (active bool, unlockAt time.Time, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l.EmergencyStop.Active, c.l.EmergencyStop.UnlockAt, c.l.EmergencyStop.Reason
}

// SessionInvalid reports whether dispatch is paused pending re-authentication.
func (c *Coordinator) SessionInvalid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l.SessionInvalid.Active
}

// Predictions projects time-to-limit at the current usage rate.
type Predictions struct {
	TimeToTokenLimit   time.Duration `json:"timeToTokenLimit"`
	TimeToRequestLimit time.Duration `json:"timeToRequestLimit"`
}

// Recommendation suggests an action an operator/scheduler may take.
type Recommendation struct {
	Action  string `json:"action"` // proceed|throttle|halt
	DelayMS int    `json:"delayMs"`
}

// Utilization reports current quota pressure and forward predictions.
type Utilization struct {
	TokenPct        float64         `json:"tokenPct"`
	RequestPct      float64         `json:"requestPct"`
	Predictions     Predictions     `json:"predictions"`
	Recommendation  Recommendation  `json:"recommendation"`
}

func (c *Coordinator) Utilization() Utilization {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	c.pruneLocked(now)

	used := 0
	for _, s := range c.l.Tokens {
		used += s.Tokens
	}
	reqPct := float64(len(c.l.Requests)) / float64(requestLimit) * 100
	tokPct := float64(used) / float64(tokenLimit) * 100

	c.metrics.SetRateLimitUtilization("requests", reqPct/100)
	c.metrics.SetRateLimitUtilization("tokens", tokPct/100)

	rec := Recommendation{Action: "proceed"}
	switch {
	case tokPct >= 90 || reqPct >= 90:
		rec = Recommendation{Action: "halt", DelayMS: 5000}
	case tokPct >= 70 || reqPct >= 70:
		rec = Recommendation{Action: "throttle", DelayMS: 1000}
	}

	var tokenRate, requestRate float64
	if len(c.l.Tokens) > 0 {
		tokenRate = float64(used) / tokenWindow.Seconds()
	}
	requestRate = float64(len(c.l.Requests)) / requestWindow.Seconds()

	predictions := Predictions{}
	if tokenRate > 0 {
		remaining := float64(tokenLimit - used)
		predictions.TimeToTokenLimit = time.Duration(remaining/tokenRate) * time.Second
	}
	if requestRate > 0 {
		remaining := float64(requestLimit - len(c.l.Requests))
		predictions.TimeToRequestLimit = time.Duration(remaining/requestRate) * time.Second
	}

	return Utilization{TokenPct: tokPct, RequestPct: reqPct, Predictions: predictions, Recommendation: rec}
}

// RecordEstimate updates a project's running average estimated-token cost, used
// as the default estimate passed to Reserve when the caller has none.
func (c *Coordinator) RecordEstimate(projectID string, tokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.avgTokensByProject[projectID]
	if !ok {
		c.avgTokensByProject[projectID] = float64(tokens)
		return
	}
	c.avgTokensByProject[projectID] = prev + (float64(tokens)-prev)*0.2
}

// EstimateFor returns a project's recent average token cost, or a conservative
// default when no observations exist yet.
func (c *Coordinator) EstimateFor(projectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if avg, ok := c.avgTokensByProject[projectID]; ok {
		return int(avg)
	}
	return 500
}

func (c *Coordinator) persistLocked() {
	_ = c.store.SaveFrom(statestore.KindRateLimit, c.l)
}

// ReportOutcome applies a worker's run outcome to the ledger: rate-limit signals
// trigger emergency stop, successful runs are recorded for utilization tracking.
func (c *Coordinator) ReportOutcome(ctx context.Context, projectID string, out Outcome) error {
	if !out.OK && out.RateLimited {
		c.NotifyRateLimit(ctx, out.UnlockAt)
		return ferrors.RateLimitError("executor reported rate limit").
			WithContext("projectId", projectID).WithContext("unlockAt", out.UnlockAt).Build()
	}
	c.RecordEstimate(projectID, out.Tokens)
	return nil
}

// jitterDuration returns a random duration in [0, jitter). Reserve does not
// call it: it waits the full fixed jitter past unlockAt.
func jitterDuration() time.Duration {
	return time.Duration(rand.Int63n(int64(jitter)))
}
