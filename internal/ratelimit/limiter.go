package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Strategy names a counting algorithm.
type Strategy string

const (
	FixedWindow   Strategy = "fixed_window"
	SlidingWindow Strategy = "sliding_window"
	TokenBucket   Strategy = "token_bucket"
	Adaptive      Strategy = "adaptive"
)

// Scope names what an identifier refers to. The limiter treats it as an
// opaque label; callers decide how identifiers are derived.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeUser     Scope = "user"
	ScopeIP       Scope = "ip"
	ScopeEndpoint Scope = "endpoint"
	ScopeAPIKey   Scope = "api_key"
)

// Rule is an immutable rate-limit definition. Re-registration replaces it.
type Rule struct {
	Name          string
	Requests      int
	Window        time.Duration
	Strategy      Strategy
	Scope         Scope
	BurstRequests int
	BurstWindow   time.Duration
}

// Decision is the outcome of a Check. On deny, RetryAfter tells the caller
// when capacity frees up; rejecting with 429 or deferring the request as a
// delayed job are both caller-side policies over the same decision.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// Limiter gates request admission per rule and identifier, with all
// counters kept in Redis so every process sees the same budget. A store
// failure fails open: a broken limiter must not block all traffic.
type Limiter struct {
	client redis.UniversalClient

	mu    sync.RWMutex
	rules map[string]Rule
}

// NewLimiter builds an empty limiter; rules are registered separately.
func NewLimiter(client redis.UniversalClient) *Limiter {
	return &Limiter{client: client, rules: make(map[string]Rule)}
}

// Register validates and installs a rule, replacing any previous rule with
// the same name.
func (l *Limiter) Register(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("ratelimit: rule name required")
	}
	if rule.Requests <= 0 || rule.Window <= 0 {
		return fmt.Errorf("ratelimit: rule %s needs positive requests and window", rule.Name)
	}
	switch rule.Strategy {
	case FixedWindow, SlidingWindow, TokenBucket, Adaptive:
	case "":
		rule.Strategy = FixedWindow
	default:
		return fmt.Errorf("ratelimit: rule %s has unknown strategy %q", rule.Name, rule.Strategy)
	}
	if rule.Scope == "" {
		rule.Scope = ScopeGlobal
	}
	l.mu.Lock()
	l.rules[rule.Name] = rule
	l.mu.Unlock()
	return nil
}

// Rule returns a registered rule by name.
func (l *Limiter) Rule(name string) (Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rules[name]
	return r, ok
}

// Check admits or denies one request for the identifier under the named
// rule. Unknown rules admit (nothing to enforce). When Redis is
// unreachable the request is admitted and the error returned so callers
// can log it; denial on store failure would turn a limiter outage into a
// full outage.
func (l *Limiter) Check(ctx context.Context, ruleName, identifier string) (Decision, error) {
	rule, ok := l.Rule(ruleName)
	if !ok {
		return Decision{Allowed: true}, nil
	}

	if rule.BurstRequests > 0 && rule.BurstWindow > 0 {
		burst := rule
		burst.Name = rule.Name + ":burst"
		burst.Requests = rule.BurstRequests
		burst.Window = rule.BurstWindow
		burst.Strategy = FixedWindow
		d, err := l.run(ctx, burst, identifier)
		if err != nil {
			return Decision{Allowed: true}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}

	d, err := l.run(ctx, rule, identifier)
	if err != nil {
		return Decision{Allowed: true}, err
	}
	return d, nil
}

func (l *Limiter) run(ctx context.Context, rule Rule, identifier string) (Decision, error) {
	now := time.Now()
	key := fmt.Sprintf("rate_limit:%s:%s", rule.Name, identifier)
	windowMS := rule.Window.Milliseconds()

	var res interface{}
	var err error
	switch rule.Strategy {
	case SlidingWindow:
		member := fmt.Sprintf("%d-%d", now.UnixMilli(), rand.Int63())
		res, err = slidingScript.Run(ctx, l.client, []string{key},
			rule.Requests, windowMS, now.UnixMilli(), member).Result()
	case TokenBucket:
		res, err = bucketScript.Run(ctx, l.client, []string{key},
			rule.Requests, windowMS, now.UnixMilli(), 0).Result()
	case Adaptive:
		res, err = bucketScript.Run(ctx, l.client, []string{key},
			rule.Requests, windowMS, now.UnixMilli(), 1).Result()
	default: // FixedWindow
		windowStart := now.UnixMilli() / windowMS * windowMS
		bucketKey := fmt.Sprintf("%s:%d", key, windowStart)
		res, err = fixedScript.Run(ctx, l.client, []string{bucketKey},
			rule.Requests, windowMS, now.UnixMilli(), windowStart).Result()
	}
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit %s: %w", rule.Name, err)
	}
	return parseDecision(res)
}

func parseDecision(res interface{}) (Decision, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	retryMS, _ := arr[1].(int64)
	remaining, _ := arr[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retryMS) * time.Millisecond,
		Remaining:  int(remaining),
	}, nil
}

// fixedScript counts requests in a bucketed window. The count is checked
// before incrementing so an admitted window never exceeds the budget.
var fixedScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local start = tonumber(ARGV[4])

local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= limit then
  return {0, start + window - now, 0}
end
count = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0, limit - count}
`)

// slidingScript keeps a sorted set of request timestamps, pruning entries
// older than the window before counting.
var slidingScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, retry, 0}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0, limit - count - 1}
`)

// bucketScript is a token bucket refilled continuously at requests/window.
// In adaptive mode (ARGV[4] == 1) recent denials shrink the effective
// capacity so a hot identifier backs off harder under sustained pressure.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local adaptive = tonumber(ARGV[4])
local refill = capacity / window -- tokens per ms

local data = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms', 'denied')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
local denied = tonumber(data[3]) or 0
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local effective = capacity
if adaptive == 1 and denied > 0 then
  effective = math.max(1, capacity - math.min(capacity / 2, denied))
end

local delta = math.max(0, now - last)
tokens = math.min(effective, tokens + delta * refill)

if tokens < 1 then
  if adaptive == 1 then denied = denied + 1 end
  redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_ms', now, 'denied', denied)
  redis.call('PEXPIRE', KEYS[1], window)
  local retry = math.ceil((1 - tokens) / refill)
  return {0, retry, 0}
end

tokens = tokens - 1
if adaptive == 1 and denied > 0 then denied = denied - 1 end
redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_ms', now, 'denied', denied)
redis.call('PEXPIRE', KEYS[1], window)
return {1, 0, math.floor(tokens)}
`)
