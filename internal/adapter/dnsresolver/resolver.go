// Package dnsresolver is the gateway's DNS client: miekg/dns exchanges
// against the configured nameservers with retry, TCP fallback on
// truncation, a small answer cache and a circuit breaker so a dead
// resolver degrades checks to temperror instead of stalling every
// connection.
package dnsresolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"github.com/sony/gobreaker"
)

// ErrNotFound reports a clean NXDOMAIN / empty answer.
var ErrNotFound = errors.New("dnsresolver: no such record")

// Resolver is the lookup surface the handlers consume.
type Resolver interface {
	LookupPTR(ctx context.Context, ip netip.Addr) ([]string, error)
	LookupA(ctx context.Context, name string) ([]netip.Addr, error)
	LookupAAAA(ctx context.Context, name string) ([]netip.Addr, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]string, error)
}

// Config carries the dns_* keys.
type Config struct {
	Timeout   time.Duration // per-exchange, UDP and TCP alike
	Retry     int           // extra attempts after the first
	Servers   []string      // host or host:port; resolv.conf when empty
	CacheSize int
}

const defaultCacheSize = 4096

type cacheEntry struct {
	msg     *dns.Msg
	expires time.Time
}

// Client implements Resolver. Safe for concurrent use; every
// connection goroutine shares one instance through the object store
// factory.
type Client struct {
	udp     *dns.Client
	tcp     *dns.Client
	servers []string
	retry   int
	cache   *lru.Cache[string, cacheEntry]
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Retry < 0 {
		cfg.Retry = 0
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	servers := cfg.Servers
	if len(servers) == 0 {
		rc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("dnsresolver: no dns_resolvers and resolv.conf unreadable: %w", err)
		}
		servers = rc.Servers
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, err := netip.ParseAddrPort(s); err != nil {
			s = s + ":53"
		}
		normalized = append(normalized, s)
	}

	cache, err := lru.New[string, cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("dnsresolver: cache: %w", err)
	}

	udp := &dns.Client{Net: "udp", Timeout: cfg.Timeout, UDPSize: 1240}
	tcp := &dns.Client{Net: "tcp", Timeout: cfg.Timeout}

	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "dns-upstream",
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 8
		},
		Timeout: 15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("dns breaker state change",
				slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})

	return &Client{
		udp:     udp,
		tcp:     tcp,
		servers: normalized,
		retry:   cfg.Retry,
		cache:   cache,
		breaker: br,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// exchange resolves name/qtype through cache, breaker, retry chain and
// TCP fallback, in that order.
func (c *Client) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	fqdn := dns.Fqdn(name)
	key := fmt.Sprintf("%s/%d", fqdn, qtype)

	if e, ok := c.cache.Get(key); ok && c.now().Before(e.expires) {
		return e.msg, nil
	}

	q := new(dns.Msg)
	q.SetQuestion(fqdn, qtype)
	q.SetEdns0(1240, false)

	resp, err := c.breaker.Execute(func() (any, error) {
		return c.exchangeUncached(ctx, q)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("dnsresolver: upstream unavailable: %w", err)
		}
		return nil, err
	}

	msg := resp.(*dns.Msg)
	ttl := minTTL(msg)
	c.cache.Add(key, cacheEntry{msg: msg, expires: c.now().Add(ttl)})
	return msg, nil
}

func (c *Client) exchangeUncached(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	attempts := c.retry + 1
	for attempt := 0; attempt < attempts; attempt++ {
		for _, server := range c.servers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			msg, _, err := c.udp.ExchangeContext(ctx, q, server)
			if err == nil && msg.Truncated {
				msg, _, err = c.tcp.ExchangeContext(ctx, q, server)
			}
			if err != nil {
				lastErr = err
				continue
			}
			switch msg.Rcode {
			case dns.RcodeSuccess, dns.RcodeNameError:
				return msg, nil
			default:
				lastErr = fmt.Errorf("dnsresolver: %s from %s",
					dns.RcodeToString[msg.Rcode], server)
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("dnsresolver: no servers configured")
	}
	return nil, lastErr
}

func minTTL(msg *dns.Msg) time.Duration {
	ttl := uint32(300)
	for _, rr := range msg.Answer {
		if h := rr.Header(); h.Ttl < ttl {
			ttl = h.Ttl
		}
	}
	if ttl < 5 {
		ttl = 5
	}
	return time.Duration(ttl) * time.Second
}

func (c *Client) LookupPTR(ctx context.Context, ip netip.Addr) ([]string, error) {
	rev, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, fmt.Errorf("dnsresolver: reverse addr %s: %w", ip, err)
	}
	msg, err := c.exchange(ctx, rev, dns.TypePTR)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, rr := range msg.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, trimDot(ptr.Ptr))
		}
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	return names, nil
}

func (c *Client) LookupA(ctx context.Context, name string) ([]netip.Addr, error) {
	msg, err := c.exchange(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A); ok {
				out = append(out, addr.Unmap())
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (c *Client) LookupAAAA(ctx context.Context, name string) ([]netip.Addr, error) {
	msg, err := c.exchange(ctx, name, dns.TypeAAAA)
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.AAAA); ok {
			if addr, ok := netip.AddrFromSlice(a.AAAA); ok {
				out = append(out, addr)
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	msg, err := c.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range msg.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			joined := ""
			for _, part := range txt.Txt {
				joined += part
			}
			out = append(out, joined)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// LookupMX returns exchange hosts ordered by preference.
func (c *Client) LookupMX(ctx context.Context, name string) ([]string, error) {
	msg, err := c.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	type mx struct {
		host string
		pref uint16
	}
	var recs []mx
	for _, rr := range msg.Answer {
		if m, ok := rr.(*dns.MX); ok {
			recs = append(recs, mx{host: trimDot(m.Mx), pref: m.Preference})
		}
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].pref < recs[j].pref })
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.host
	}
	return out, nil
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
