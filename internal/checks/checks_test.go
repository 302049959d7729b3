package checks

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webitel/mail-auth-gateway/internal/adapter/dnsresolver"
	"github.com/webitel/mail-auth-gateway/internal/domain/header"
	"github.com/webitel/mail-auth-gateway/internal/domain/model"
	"github.com/webitel/mail-auth-gateway/internal/domain/registry"
)

func testLogger() *slog.Logger { return slog.Default() }

// fakeSession satisfies registry.Session without a live pipeline.
type fakeSession struct {
	conn *model.ConnContext
}

func (f *fakeSession) Conn() *model.ConnContext    { return f.conn }
func (f *fakeSession) ArmHandler(time.Duration)    {}
func (f *fakeSession) ResetToOuter() error         { return nil }
func (f *fakeSession) CheckNow(string) error       { return nil }
func (f *fakeSession) Logger() *slog.Logger        { return slog.Default() }
func (f *fakeSession) HandlerContext(parent context.Context) (context.Context, context.CancelFunc) {
	return parent, func() {}
}

var _ registry.Session = (*fakeSession)(nil)

// fakeResolver answers from fixture maps and reports ErrNotFound for
// everything else.
type fakeResolver struct {
	ptr  map[string][]string // ip -> names
	a    map[string][]string // name -> v4 addrs
	aaaa map[string][]string
	txt  map[string][]string
	mx   map[string][]string
	err  error // when set, every lookup fails with it
}

var _ dnsresolver.Resolver = (*fakeResolver)(nil)

func (r *fakeResolver) LookupPTR(_ context.Context, ip netip.Addr) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	if names, ok := r.ptr[ip.String()]; ok {
		return names, nil
	}
	return nil, dnsresolver.ErrNotFound
}

func (r *fakeResolver) lookupAddrs(m map[string][]string, name string) ([]netip.Addr, error) {
	if r.err != nil {
		return nil, r.err
	}
	raw, ok := m[name]
	if !ok {
		return nil, dnsresolver.ErrNotFound
	}
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		out = append(out, netip.MustParseAddr(s))
	}
	return out, nil
}

func (r *fakeResolver) LookupA(_ context.Context, name string) ([]netip.Addr, error) {
	return r.lookupAddrs(r.a, name)
}

func (r *fakeResolver) LookupAAAA(_ context.Context, name string) ([]netip.Addr, error) {
	return r.lookupAddrs(r.aaaa, name)
}

func (r *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	if txts, ok := r.txt[name]; ok {
		return txts, nil
	}
	return nil, dnsresolver.ErrNotFound
}

func (r *fakeResolver) LookupMX(_ context.Context, name string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	if hosts, ok := r.mx[name]; ok {
		return hosts, nil
	}
	return nil, dnsresolver.ErrNotFound
}

// newFakeSession builds a connection context with the fake resolver
// registered under the usual object-store name.
func newFakeSession(t *testing.T, ip string, resolver *fakeResolver) *fakeSession {
	t.Helper()
	conn := model.NewConnContext(1, slog.Default())
	if ip != "" {
		a, err := netip.ParseAddr(ip)
		require.NoError(t, err)
		conn.RawIP = a
		conn.IP = a
	}
	conn.Objects.RegisterFactory(model.ObjectResolver, false,
		func(context.Context) (any, error) { return resolver, nil })
	conn.BeginMessage("sender@example.com")
	return &fakeSession{conn: conn}
}

// fragmentByMethod finds one emitted fragment by its method key.
func fragmentByMethod(frags []header.Fragment, method string) *header.Entry {
	for _, f := range frags {
		if e, ok := f.(*header.Entry); ok && e.Method == method {
			return e
		}
	}
	return nil
}
