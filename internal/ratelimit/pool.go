package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRPS     = 5
	defaultBurst   = 10
	defaultIdleTTL = 10 * time.Minute
)

type Config struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
	// IdleTTL: лимитер ключа, не трогавшийся дольше, удаляется из пула.
	IdleTTL time.Duration `yaml:"idleTTL"`
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Pool: по одному token-bucket лимитеру на ключ (обычно "scope:userID").
// Простаивающие ключи вычищаются не чаще раза в IdleTTL.
type Pool struct {
	mu        sync.Mutex
	m         map[string]*entry
	rps       rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func New(cfg Config) *Pool {
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	// за TTL ведро должно успеть наполниться, иначе удаление подарит лишний burst
	if full := time.Duration(float64(burst) / rps * float64(time.Second)); ttl < full {
		ttl = full
	}
	return &Pool{
		m:       make(map[string]*entry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: ttl,
		now:     time.Now,
	}
}

func (p *Pool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked(now)
	e, ok := p.m[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	return e.lim
}

func (p *Pool) sweepLocked(now time.Time) {
	if p.lastSweep.IsZero() {
		p.lastSweep = now
		return
	}
	if now.Sub(p.lastSweep) < p.idleTTL {
		return
	}
	for k, e := range p.m {
		if now.Sub(e.lastSeen) >= p.idleTTL {
			delete(p.m, k)
		}
	}
	p.lastSweep = now
}

// Len: число ключей в пуле.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Allow: nil-пул пропускает всё.
func (p *Pool) Allow(key string) bool {
	if p == nil {
		return true
	}
	now := p.now()
	return p.get(key, now).AllowN(now, 1)
}
