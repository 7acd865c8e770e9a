// Package tlscert provisions TLS material with a resilient fallback chain:
// a primary ACME-style issuer when the domain resolves to this host, a
// locally signed certificate otherwise. The fallback path always succeeds,
// so certificate trouble degrades a deployment instead of blocking it.
package tlscert

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deckhand-ops/deckhand/pkg/model"
)

// Issuer performs the primary issuance. The challenge-response protocol
// behind it is an external collaborator, not something this package models.
type Issuer interface {
	Issue(ctx context.Context, domain string) (certPEM, keyPEM []byte, err error)
}

// Resolver is the subset of net.Resolver the DNS self-check needs.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// CertificateError is recorded when the primary strategy fails. It never
// escapes Provision; the fallback path recovers it.
type CertificateError struct {
	Domain string
	Err    error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate issuance for %s: %v", e.Domain, e.Err)
}

func (e *CertificateError) Unwrap() error { return e.Err }

// Provisioner issues and installs certificate material into a directory the
// reverse proxy reads from.
type Provisioner struct {
	dir       string
	issuer    Issuer
	resolver  Resolver
	advertise string // this host's public address
	validity  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Provisioner)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) { p.now = now }
}

func New(dir string, issuer Issuer, resolver Resolver, advertise string, validity time.Duration, logger *zap.Logger, opts ...Option) *Provisioner {
	p := &Provisioner{
		dir:       dir,
		issuer:    issuer,
		resolver:  resolver,
		advertise: advertise,
		validity:  validity,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CertPath and KeyPath are where the live pair is installed. Both resolve
// through the "live" symlink, so they always name material from the same
// issuance.
func (p *Provisioner) CertPath() string { return filepath.Join(p.dir, "live", "cert.pem") }
func (p *Provisioner) KeyPath() string  { return filepath.Join(p.dir, "live", "key.pem") }

// Provision returns a CertificateRecord for the domain. When public DNS for
// the domain does not resolve to this host the primary strategy is skipped
// outright; otherwise it gets one bounded retry before falling back.
func (p *Provisioner) Provision(ctx context.Context, domain string) (*model.CertificateRecord, error) {
	if p.dnsMatches(ctx, domain) {
		certPEM, keyPEM, err := p.issuePrimary(ctx, domain)
		if err == nil {
			return p.install(domain, model.StrategyPrimary, certPEM, keyPEM)
		}
		p.logger.Warn("primary certificate issuance failed, falling back to self-signed",
			zap.String("domain", domain),
			zap.Error(&CertificateError{Domain: domain, Err: err}))
	} else {
		p.logger.Warn("domain does not resolve to this host, skipping primary issuance",
			zap.String("domain", domain),
			zap.String("advertise_addr", p.advertise))
	}

	certPEM, keyPEM, err := SelfSigned(domain, p.now(), p.validity)
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize fallback certificate: %w", err)
	}
	return p.install(domain, model.StrategyFallback, certPEM, keyPEM)
}

// NeedsRenewal reports whether the record's expiry falls inside the window.
func (p *Provisioner) NeedsRenewal(rec *model.CertificateRecord, window time.Duration) bool {
	return rec.NotAfter.Before(p.now().Add(window))
}

// Current parses the installed live certificate, if any.
func (p *Provisioner) Current(domain string) (*model.CertificateRecord, error) {
	data, err := os.ReadFile(p.CertPath())
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", p.CertPath())
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse installed certificate: %w", err)
	}
	sum := sha256.Sum256(cert.Raw)

	strategy := model.StrategyPrimary
	if cert.Issuer.CommonName == cert.Subject.CommonName {
		strategy = model.StrategyFallback
	}
	return &model.CertificateRecord{
		Domain:      domain,
		Strategy:    strategy,
		NotAfter:    cert.NotAfter,
		Fingerprint: hex.EncodeToString(sum[:]),
		CertPath:    p.CertPath(),
		KeyPath:     p.KeyPath(),
	}, nil
}

// removeStaleMaterial deletes superseded material directories. Open file
// handles on the old pair stay valid; only the directory entries go.
func (p *Provisioner) removeStaleMaterial(current string) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == current || !strings.HasPrefix(name, "material-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.dir, name)); err != nil {
			p.logger.Warn("failed to remove superseded certificate material",
				zap.String("dir", name), zap.Error(err))
		}
	}
}

func (p *Provisioner) dnsMatches(ctx context.Context, domain string) bool {
	if p.advertise == "" {
		return false
	}
	addrs, err := p.resolver.LookupHost(ctx, domain)
	if err != nil {
		p.logger.Warn("DNS lookup failed", zap.String("domain", domain), zap.Error(err))
		return false
	}
	for _, a := range addrs {
		if a == p.advertise {
			return true
		}
	}
	return false
}

// issuePrimary tries the issuer with a single bounded retry.
func (p *Provisioner) issuePrimary(ctx context.Context, domain string) (certPEM, keyPEM []byte, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		certPEM, keyPEM, err = p.issuer.Issue(ctx, domain)
		if err == nil {
			return certPEM, keyPEM, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
	}
	return nil, nil, err
}

// install stages the new pair in its own versioned directory and publishes
// it by atomically renaming the "live" symlink onto it. A reader resolving
// through the symlink sees material from exactly one issuance, never a key
// paired with another issuance's certificate.
func (p *Provisioner) install(domain string, strategy model.IssuanceStrategy, certPEM, keyPEM []byte) (*model.CertificateRecord, error) {
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create TLS directory: %w", err)
	}

	version := "material-" + p.now().UTC().Format("20060102T150405.000000000")
	stageDir := filepath.Join(p.dir, version)
	if err := os.MkdirAll(stageDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stageDir, "cert.pem"), certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("failed to stage certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stageDir, "key.pem"), keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to stage private key: %w", err)
	}

	linkNext := filepath.Join(p.dir, "live.next")
	_ = os.Remove(linkNext)
	if err := os.Symlink(version, linkNext); err != nil {
		return nil, fmt.Errorf("failed to stage live link: %w", err)
	}
	if err := os.Rename(linkNext, filepath.Join(p.dir, "live")); err != nil {
		return nil, fmt.Errorf("failed to publish certificate pair: %w", err)
	}
	p.removeStaleMaterial(version)

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("issued material is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}
	sum := sha256.Sum256(cert.Raw)

	rec := &model.CertificateRecord{
		Domain:      domain,
		Strategy:    strategy,
		NotAfter:    cert.NotAfter,
		Fingerprint: hex.EncodeToString(sum[:]),
		CertPath:    p.CertPath(),
		KeyPath:     p.KeyPath(),
		IssuedAt:    p.now(),
	}
	p.logger.Info("certificate installed",
		zap.String("domain", domain),
		zap.String("strategy", string(strategy)),
		zap.Time("not_after", rec.NotAfter),
		zap.String("fingerprint", rec.Fingerprint[:12]))
	return rec, nil
}
