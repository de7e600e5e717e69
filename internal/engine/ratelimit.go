package engine

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit caps non-interactive requests per host.
type RateLimit struct {
	PerSecond int
	PerMinute int
}

// DefaultRateLimit matches what dapps tolerate in practice.
var DefaultRateLimit = RateLimit{PerSecond: 10, PerMinute: 90}

// hostIdle is how long an unused host limiter is kept.
const hostIdle = 2 * time.Minute

// interactive methods involve the user and are never rate limited.
var interactive = map[string]bool{
	"eth_chainId":                true,
	"eth_accounts":               true,
	"eth_requestAccounts":        true,
	"eth_sendTransaction":        true,
	"eth_signTransaction":        true,
	"personal_sign":              true,
	"eth_signTypedData":          true,
	"eth_signTypedData_v3":       true,
	"eth_signTypedData_v4":       true,
	"wallet_switchEthereumChain": true,
}

func skipRateLimit(method string) bool {
	return interactive[method] || strings.HasPrefix(method, "wallet_")
}

type hostLimit struct {
	second   *rate.Limiter
	minute   *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	mu    sync.Mutex
	cfg   RateLimit
	hosts map[string]*hostLimit
}

func newRateLimiter(cfg RateLimit) *rateLimiter {
	return &rateLimiter{cfg: cfg, hosts: make(map[string]*hostLimit)}
}

// allow reports whether host may make another request at now. A zero limit
// disables that window.
func (r *rateLimiter) allow(host string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	hl, ok := r.hosts[host]
	if !ok {
		hl = &hostLimit{}
		if r.cfg.PerSecond > 0 {
			hl.second = rate.NewLimiter(rate.Limit(r.cfg.PerSecond), r.cfg.PerSecond)
		}
		if r.cfg.PerMinute > 0 {
			hl.minute = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.cfg.PerMinute)), r.cfg.PerMinute)
		}
		r.hosts[host] = hl
	}
	hl.lastSeen = now
	// Both windows must have a token before either is spent.
	for _, l := range []*rate.Limiter{hl.second, hl.minute} {
		if l != nil && l.TokensAt(now) < 1 {
			return false
		}
	}
	for _, l := range []*rate.Limiter{hl.second, hl.minute} {
		if l != nil {
			l.AllowN(now, 1)
		}
	}
	return true
}

// prune forgets hosts idle since before now-hostIdle.
func (r *rateLimiter) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for host, hl := range r.hosts {
		if now.Sub(hl.lastSeen) > hostIdle {
			delete(r.hosts, host)
		}
	}
}
