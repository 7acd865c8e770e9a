package tlscert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

// CertbotIssuer drives the host's certbot installation in standalone mode.
// The challenge protocol stays entirely inside certbot; this type only runs
// it and reads back the PEM pair it writes.
type CertbotIssuer struct {
	// Email for the registration account. Empty registers unsafely
	// without one, which certbot allows but warns about.
	Email string

	// ConfigDir overrides certbot's default /etc/letsencrypt, mainly so
	// the issuer can run unprivileged.
	ConfigDir string

	Logger *zap.Logger
}

func (i *CertbotIssuer) Issue(ctx context.Context, domain string) (certPEM, keyPEM []byte, err error) {
	args := []string{
		"certonly",
		"--standalone",
		"--non-interactive",
		"--agree-tos",
		"--domain", domain,
	}
	if i.Email != "" {
		args = append(args, "--email", i.Email)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}
	liveDir := filepath.Join("/etc/letsencrypt", "live", domain)
	if i.ConfigDir != "" {
		args = append(args, "--config-dir", i.ConfigDir)
		liveDir = filepath.Join(i.ConfigDir, "live", domain)
	}

	cmd := exec.CommandContext(ctx, "certbot", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if i.Logger != nil {
			i.Logger.Warn("certbot failed",
				zap.String("domain", domain),
				zap.ByteString("output", tail(out, 512)))
		}
		return nil, nil, fmt.Errorf("certbot: %w", err)
	}

	certPEM, err = os.ReadFile(filepath.Join(liveDir, "fullchain.pem"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read issued chain: %w", err)
	}
	keyPEM, err = os.ReadFile(filepath.Join(liveDir, "privkey.pem"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read issued key: %w", err)
	}
	return certPEM, keyPEM, nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
