package healthgate

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	_ "github.com/lib/pq" // postgres driver for SQL probes
)

// HTTPProbe is ready when a GET to URL returns 200.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProbe) Check(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrNotReady, resp.StatusCode)
	}
	return nil
}

// TCPProbe is ready when the address accepts a connection.
type TCPProbe struct {
	Addr        string
	DialTimeout time.Duration
}

func (p *TCPProbe) Check(ctx context.Context) error {
	timeout := p.DialTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return conn.Close()
}

// SQLProbe is ready when the datastore answers a ping.
type SQLProbe struct {
	DSN string
}

func (p *SQLProbe) Check(ctx context.Context) error {
	db, err := sql.Open("postgres", p.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return nil
}

// CmdProbe is ready when the command exits zero (pg_isready style).
type CmdProbe struct {
	Command string
	Args    []string
}

func (p *CmdProbe) Check(ctx context.Context) error {
	if err := exec.CommandContext(ctx, p.Command, p.Args...).Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return nil
}
