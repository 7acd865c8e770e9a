package tlscert

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deckhand-ops/deckhand/pkg/model"
)

type fakeIssuer struct {
	calls int
	fail  bool
}

func (f *fakeIssuer) Issue(_ context.Context, domain string) ([]byte, []byte, error) {
	f.calls++
	if f.fail {
		return nil, nil, errors.New("challenge validation failed")
	}
	return SelfSigned(domain, time.Now(), 90*24*time.Hour)
}

type fakeResolver struct {
	addrs []string
	err   error
}

func (f *fakeResolver) LookupHost(context.Context, string) ([]string, error) {
	return f.addrs, f.err
}

func newProvisioner(t *testing.T, issuer Issuer, resolver Resolver) *Provisioner {
	t.Helper()
	return New(t.TempDir(), issuer, resolver, "203.0.113.10", 365*24*time.Hour, zaptest.NewLogger(t))
}

func TestProvisionPrimaryWhenDNSMatches(t *testing.T) {
	issuer := &fakeIssuer{}
	p := newProvisioner(t, issuer, &fakeResolver{addrs: []string{"203.0.113.10"}})

	rec, err := p.Provision(context.Background(), "chat.example.com")
	require.NoError(t, err)

	assert.Equal(t, model.StrategyPrimary, rec.Strategy)
	assert.Equal(t, 1, issuer.calls)
	assert.NotEmpty(t, rec.Fingerprint)

	// The installed pair must load as a usable keypair.
	_, err = tls.LoadX509KeyPair(rec.CertPath, rec.KeyPath)
	assert.NoError(t, err)
}

func TestProvisionFallbackOnDNSMismatch(t *testing.T) {
	issuer := &fakeIssuer{}
	p := newProvisioner(t, issuer, &fakeResolver{addrs: []string{"198.51.100.7"}})

	rec, err := p.Provision(context.Background(), "chat.example.com")
	require.NoError(t, err)

	assert.Equal(t, model.StrategyFallback, rec.Strategy)
	assert.Zero(t, issuer.calls, "primary strategy must not be attempted on mismatch")
}

func TestProvisionFallbackOnDNSLookupError(t *testing.T) {
	issuer := &fakeIssuer{}
	p := newProvisioner(t, issuer, &fakeResolver{err: errors.New("NXDOMAIN")})

	rec, err := p.Provision(context.Background(), "chat.example.com")
	require.NoError(t, err)
	assert.Equal(t, model.StrategyFallback, rec.Strategy)
	assert.Zero(t, issuer.calls)
}

func TestProvisionRetriesPrimaryOnceThenFallsBack(t *testing.T) {
	issuer := &fakeIssuer{fail: true}
	p := newProvisioner(t, issuer, &fakeResolver{addrs: []string{"203.0.113.10"}})

	rec, err := p.Provision(context.Background(), "chat.example.com")
	require.NoError(t, err)

	assert.Equal(t, model.StrategyFallback, rec.Strategy)
	assert.Equal(t, 2, issuer.calls, "one attempt plus one bounded retry")
}

func TestRenewalReplacesPairAtomically(t *testing.T) {
	issuer := &fakeIssuer{}
	p := newProvisioner(t, issuer, &fakeResolver{addrs: []string{"203.0.113.10"}})

	first, err := p.Provision(context.Background(), "chat.example.com")
	require.NoError(t, err)
	second, err := p.Provision(context.Background(), "chat.example.com")
	require.NoError(t, err)

	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)

	// No staging leftovers, and the live pair stays consistent.
	_, err = os.Stat(filepath.Join(filepath.Dir(filepath.Dir(second.CertPath)), "live.next"))
	assert.True(t, os.IsNotExist(err))
	_, err = tls.LoadX509KeyPair(second.CertPath, second.KeyPath)
	assert.NoError(t, err)

	// Both live paths must resolve into the same issuance's material, and
	// the superseded material must be gone.
	certReal, err := filepath.EvalSymlinks(second.CertPath)
	require.NoError(t, err)
	keyReal, err := filepath.EvalSymlinks(second.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(certReal), filepath.Dir(keyReal))

	entries, err := os.ReadDir(filepath.Dir(filepath.Dir(second.CertPath)))
	require.NoError(t, err)
	var materialDirs int
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "material-") {
			materialDirs++
		}
	}
	assert.Equal(t, 1, materialDirs, "only the published material survives")

	info, err := os.Stat(second.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "private key must stay restricted")
}

func TestNeedsRenewal(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	p := New(t.TempDir(), &fakeIssuer{}, &fakeResolver{}, "", 0, zaptest.NewLogger(t),
		WithClock(func() time.Time { return now }))

	window := 30 * 24 * time.Hour
	assert.True(t, p.NeedsRenewal(&model.CertificateRecord{NotAfter: now.Add(10 * 24 * time.Hour)}, window))
	assert.False(t, p.NeedsRenewal(&model.CertificateRecord{NotAfter: now.Add(60 * 24 * time.Hour)}, window))
}

func TestCurrentReadsInstalledCertificate(t *testing.T) {
	p := newProvisioner(t, &fakeIssuer{}, &fakeResolver{addrs: nil})

	installed, err := p.Provision(context.Background(), "chat.example.com")
	require.NoError(t, err)

	rec, err := p.Current("chat.example.com")
	require.NoError(t, err)
	assert.Equal(t, installed.Fingerprint, rec.Fingerprint)
	assert.Equal(t, model.StrategyFallback, rec.Strategy)
}
