// Package hostresolver is the concrete bootstrap.HostResolver backed by
// github.com/miekg/dns, with a small in-memory failure-scoring cache so
// RecordConnectionFailure can deprioritize addresses that have recently
// failed to connect, the way a production client bootstrap's resolver
// would.
package hostresolver

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/channelio/channelio/bootstrap"
)

// Resolver issues A/AAAA queries against a configured DNS server (or, if
// none is configured, falls back to the system resolver via net.Resolver).
type Resolver struct {
	logger *zerolog.Logger
	client *dns.Client
	server string // "" selects the system resolver fallback

	mu       sync.Mutex
	failures map[string]time.Time
}

// New returns a Resolver. server is a "host:port" DNS server address; pass
// "" to use the operating system's resolver instead of querying directly.
func New(server string, logger *zerolog.Logger) *Resolver {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Resolver{
		logger:   logger,
		client:   &dns.Client{Timeout: 5 * time.Second},
		server:   server,
		failures: make(map[string]time.Time),
	}
}

// ResolveHost implements bootstrap.HostResolver. Resolution happens on its
// own goroutine; cb may therefore run on a goroutine other than the
// caller's, matching the "eventually invokes" contract callers must
// marshal back onto their own event loop.
func (r *Resolver) ResolveHost(name string, cfg bootstrap.ResolutionConfig, cb bootstrap.ResolveCallback) {
	go func() {
		addrs, err := r.lookup(name)
		if err != nil {
			cb(name, err, nil)
			return
		}
		r.rankByRecentFailures(addrs)
		cb(name, nil, addrs)
	}()
}

func (r *Resolver) lookup(name string) ([]bootstrap.Address, error) {
	if r.server == "" {
		return r.lookupSystem(name)
	}
	return r.lookupDirect(name)
}

func (r *Resolver) lookupSystem(name string) ([]bootstrap.Address, error) {
	ips, err := net.LookupIP(name)
	if err != nil {
		return nil, err
	}
	addrs := make([]bootstrap.Address, 0, len(ips))
	for _, ip := range ips {
		rt := bootstrap.RecordA
		if ip.To4() == nil {
			rt = bootstrap.RecordAAAA
		}
		addrs = append(addrs, bootstrap.Address{Host: ip.String(), Type: rt})
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("hostresolver: no addresses found for %q", name)
	}
	return addrs, nil
}

func (r *Resolver) lookupDirect(name string) ([]bootstrap.Address, error) {
	var addrs []bootstrap.Address
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), qtype)
		m.RecursionDesired = true

		resp, _, err := r.client.Exchange(m, r.server)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, bootstrap.Address{Host: rec.A.String(), Type: bootstrap.RecordA})
			case *dns.AAAA:
				addrs = append(addrs, bootstrap.Address{Host: rec.AAAA.String(), Type: bootstrap.RecordAAAA})
			}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("hostresolver: no A/AAAA records found for %q", name)
	}
	return addrs, nil
}

// RecordConnectionFailure implements bootstrap.HostResolver.
func (r *Resolver) RecordConnectionFailure(addr bootstrap.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[addr.Host] = time.Now()
}

// rankByRecentFailures sorts addrs so hosts with no recent recorded failure
// sort before ones that do, and among failing hosts, the least-recently
// failed sorts first.
func (r *Resolver) rankByRecentFailures(addrs []bootstrap.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.SliceStable(addrs, func(i, j int) bool {
		ti, oki := r.failures[addrs[i].Host]
		tj, okj := r.failures[addrs[j].Host]
		if oki != okj {
			return !oki
		}
		if !oki {
			return false
		}
		return ti.Before(tj)
	})
}

var _ bootstrap.HostResolver = (*Resolver)(nil)
