package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"burnbin/svc/db"
	"burnbin/svc/util"

	"golang.org/x/time/rate"
)

const (
	maxLocalLimiters = 10000
	cleanupInterval  = 5 * time.Minute
	limiterTTL       = 30 * time.Minute
	adaptiveWindow   = 60 * time.Second
)

// Limiter enforces a global per-endpoint budget through Redis and falls back
// to conservative per-IP token buckets when Redis is absent or unreachable.
// The fallback fails closed: losing Redis tightens limits, never loosens
// them.
type Limiter struct {
	rdb               *db.Redis
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	globalRPM         int
	burstLimit        int
	conservativeLimit int

	mu       sync.Mutex
	local    map[string]*localBucket
	quit     chan struct{}
	evicting atomic.Bool
}

type localBucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(globalRPM, perIPBurst, conservativeLimit int, rdb *db.Redis, trustedProxies []string) *Limiter {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trusted proxies: %s: %v", proxy, err))
			}
		} else if net.ParseIP(proxy) == nil {
			panic(fmt.Sprintf("invalid IP in trusted proxies: %s", proxy))
		}
	}
	l := &Limiter{
		rdb:               rdb,
		trustedProxies:    trustedProxies,
		globalRPM:         globalRPM,
		burstLimit:        perIPBurst,
		conservativeLimit: conservativeLimit,
		local:             make(map[string]*localBucket),
		quit:              make(chan struct{}),
	}
	l.detector = NewAnomalyDetector(l.triggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}

func (l *Limiter) Stop() {
	close(l.quit)
	l.detector.Stop()
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

func (l *Limiter) triggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(adaptiveWindow).Unix())
}

func (l *Limiter) adaptive() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

// halveIfAdaptive shrinks the budget while the anomaly detector has flagged
// elevated error rates, floored at one request.
func (l *Limiter) halveIfAdaptive(limit int) int {
	if !l.adaptive() {
		return limit
	}
	limit /= 2
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *Result {
	ip := GetRealIP(r, l.trustedProxies)
	if l.rdb == nil {
		return l.checkLocal(ip, endpoint)
	}
	globalLimit := l.halveIfAdaptive(l.globalRPM)
	ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
	defer cancel()
	usage, err := l.rdb.RateLimit(ctx, "global:"+endpoint, globalLimit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
		return l.checkLocal(ip, endpoint)
	}
	remaining := globalLimit - usage
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   usage <= globalLimit,
		Limit:     globalLimit,
		Remaining: remaining,
		Reset:     time.Now().Add(time.Minute),
	}
}

func (l *Limiter) checkLocal(ip, endpoint string) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.local) >= (maxLocalLimiters*9)/10 {
		l.scheduleEviction(len(l.local) / 10)
	}
	if len(l.local) >= maxLocalLimiters {
		util.Warn().
			Int("limiters", len(l.local)).
			Str("ip", util.RedactIP(ip)).
			Msg("rate limiter at capacity, rejecting request")
		return &Result{
			Allowed: false,
			Limit:   l.conservativeLimit,
			Reset:   time.Now().Add(time.Minute),
		}
	}
	limit := l.halveIfAdaptive(l.conservativeLimit)
	key := ip + ":" + endpoint
	entry, ok := l.local[key]
	if !ok {
		entry = &localBucket{
			limiter: rate.NewLimiter(rate.Limit(limit)/60.0, l.burstLimit),
		}
		l.local[key] = entry
	}
	entry.lastAccess = time.Now()
	if !entry.limiter.Allow() {
		return &Result{
			Allowed: false,
			Limit:   limit,
			Reset:   time.Now().Add(time.Minute),
		}
	}
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - 1,
		Reset:     time.Now().Add(time.Minute),
	}
}

// scheduleEviction kicks off a background eviction of the oldest buckets.
// At most one eviction runs at a time; callers hold l.mu.
func (l *Limiter) scheduleEviction(count int) {
	if count <= 0 || !l.evicting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer l.evicting.Store(false)
		l.evictOldest(count)
	}()
}

func (l *Limiter) evictOldest(count int) {
	type aged struct {
		key        string
		lastAccess time.Time
	}
	l.mu.Lock()
	if len(l.local) < (maxLocalLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	entries := make([]aged, 0, len(l.local))
	for k, v := range l.local {
		entries = append(entries, aged{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, ok := l.local[entries[i].key]; ok {
			delete(l.local, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("rate limiter eviction completed")
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictStale() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.local {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.local, key)
			evicted++
		}
	}
	remaining := len(l.local)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

// GetRealIP resolves the client address, walking X-Forwarded-For right to
// left past trusted proxies only. An untrusted immediate peer means the
// header cannot be believed and the socket address wins.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxHops = 100
	hops := 0
	remaining := xff
	for len(remaining) > 0 && hops < maxHops {
		var candidate string
		if idx := strings.LastIndexByte(remaining, ','); idx == -1 {
			candidate = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			candidate = strings.TrimSpace(remaining[idx+1:])
			remaining = remaining[:idx]
		}
		if candidate == "" {
			continue
		}
		hops++
		if net.ParseIP(candidate) == nil {
			util.Warn().Str("ip", candidate).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(candidate, trustedProxies) {
			return candidate
		}
	}
	if hops >= maxHops {
		util.Warn().Int("hops", hops).Msg("X-Forwarded-For excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil {
				if parsed := net.ParseIP(ip); parsed != nil && subnet.Contains(parsed) {
					return true
				}
			}
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
