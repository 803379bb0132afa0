package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// State is the connector lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateApplying     State = "applying"
	StateVerifying    State = "verifying"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
)

// degradedHandshakeAge is the handshake staleness bound before a connected
// tunnel is reported degraded.
const degradedHandshakeAge = 180 * time.Second

// ConnectionTimeoutError reports a probe that ran out its timeout. It
// short-circuits the retry loop: stacking a backoff on top of an elapsed
// timeout only multiplies the wait.
type ConnectionTimeoutError struct {
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connector: hub probe timed out after %s", e.Timeout)
}

// ConnectionError reports retry exhaustion with the last underlying cause.
type ConnectionError struct {
	Attempts int
	LastErr  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connector: failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ConnectionError) Unwrap() error { return e.LastErr }

// Runner executes node-side commands. RunInput feeds stdin (the private key
// is never written to disk or passed as an argument).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	RunInput(ctx context.Context, input, name string, args ...string) ([]byte, error)
}

// ExecRunner shells out via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return runCmd(ctx, "", name, args...)
}

func (ExecRunner) RunInput(ctx context.Context, input, name string, args ...string) ([]byte, error) {
	return runCmd(ctx, input, name, args...)
}

func runCmd(ctx context.Context, stdin, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w (output: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

// Health is the node-side health report.
type Health struct {
	Status         string  `json:"status"` // healthy|degraded|unhealthy|disconnected
	CanPingHub     bool    `json:"can_ping_hub"`
	HandshakeAgeS  *int    `json:"handshake_age_s,omitempty"`
	UptimeS        float64 `json:"uptime_s"`
	NodeID         string  `json:"node_id,omitempty"`
	CurrentState   State   `json:"current_state"`
	ConnectedSince string  `json:"connected_since,omitempty"`
}

// Connector drives the node's WireGuard interface.
type Connector struct {
	cfg    *Config
	runner Runner

	// OnConnected, when set, registers the node with its coordinator after
	// a successful probe. A registration failure does not undo the connect.
	OnConnected func(ctx context.Context) error

	mu          sync.Mutex
	state       State
	connectedAt time.Time

	// sleep is indirect for tests.
	sleep func(time.Duration)
}

// New creates a Connector for a validated config.
func New(cfg *Config, runner Runner) (*Connector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("connector: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Connector{
		cfg:    cfg,
		runner: runner,
		state:  StateDisconnected,
		sleep:  time.Sleep,
	}, nil
}

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect brings the interface up and verifies hub reachability, retrying
// with exponential backoff up to max_retries. A probe timeout propagates
// immediately; other probe failures consume an attempt.
func (c *Connector) Connect(ctx context.Context) error {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffFor(attempt - 1)
			log.Printf("[connector] attempt %d failed, retrying in %s: %v", attempt, backoff, lastErr)
			c.sleep(backoff)
		}

		c.setState(StateApplying)
		if err := c.applyConfig(ctx); err != nil {
			lastErr = err
			c.setState(StateDisconnected)
			continue
		}

		c.setState(StateVerifying)
		err := c.probeHub(ctx, c.cfg.ConnectionTimeout.Std())
		if err == nil {
			c.mu.Lock()
			c.state = StateConnected
			c.connectedAt = time.Now()
			c.mu.Unlock()
			log.Printf("[connector] connected via %s", c.cfg.InterfaceName)

			if c.OnConnected != nil {
				if regErr := c.OnConnected(ctx); regErr != nil {
					log.Printf("[connector] coordinator registration failed: %v", regErr)
				}
			}
			return nil
		}

		var timeoutErr *ConnectionTimeoutError
		if errors.As(err, &timeoutErr) {
			c.setState(StateDisconnected)
			return err
		}
		lastErr = err
		c.setState(StateDisconnected)
	}

	return &ConnectionError{Attempts: c.cfg.MaxRetries + 1, LastErr: lastErr}
}

// backoffFor computes min(initial * 2^i, max).
func (c *Connector) backoffFor(i int) time.Duration {
	d := c.cfg.InitialBackoff.Std() << uint(i)
	if d <= 0 || d > c.cfg.MaxBackoff.Std() {
		return c.cfg.MaxBackoff.Std()
	}
	return d
}

// applyConfig creates and configures the interface. Each step is idempotent:
// an already-existing interface is reused, an already-assigned address kept.
func (c *Connector) applyConfig(ctx context.Context) error {
	iface := c.cfg.InterfaceName

	if _, err := c.runner.Run(ctx, "ip", "link", "add", "dev", iface, "type", "wireguard"); err != nil {
		if !strings.Contains(err.Error(), "File exists") {
			return fmt.Errorf("create interface: %w", err)
		}
	}

	if _, err := c.runner.RunInput(ctx, c.cfg.PrivateKey, "wg", "set", iface, "private-key", "/dev/stdin"); err != nil {
		return fmt.Errorf("set private key: %w", err)
	}

	peerArgs := []string{
		"set", iface,
		"peer", c.cfg.Hub.PublicKey,
		"endpoint", c.cfg.Hub.Endpoint,
		"allowed-ips", strings.Join(c.cfg.Hub.AllowedIPs, ","),
	}
	if c.cfg.Hub.KeepaliveS > 0 {
		peerArgs = append(peerArgs, "persistent-keepalive", strconv.Itoa(c.cfg.Hub.KeepaliveS))
	}
	if _, err := c.runner.Run(ctx, "wg", peerArgs...); err != nil {
		return fmt.Errorf("set hub peer: %w", err)
	}

	if _, err := c.runner.Run(ctx, "ip", "address", "add", c.cfg.Address, "dev", iface); err != nil {
		if !strings.Contains(err.Error(), "File exists") {
			return fmt.Errorf("assign address: %w", err)
		}
	}

	if _, err := c.runner.Run(ctx, "ip", "link", "set", iface, "up"); err != nil {
		return fmt.Errorf("bring link up: %w", err)
	}
	return nil
}

// probeHub pings the hub's overlay address once with the given timeout.
func (c *Connector) probeHub(ctx context.Context, timeout time.Duration) error {
	hubAddr, err := c.cfg.HubProbeAddr()
	if err != nil {
		return err
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	start := time.Now()
	if _, err := c.runner.Run(probeCtx, "ping", "-c", "1", "-W", strconv.Itoa(secs), hubAddr.String()); err != nil {
		if probeCtx.Err() != nil || time.Since(start) >= timeout {
			return &ConnectionTimeoutError{Timeout: timeout}
		}
		return fmt.Errorf("hub unreachable: %w", err)
	}
	return nil
}

// Check reports tunnel health. Rules, first match wins: not connected →
// disconnected; hub unreachable → unhealthy; handshake older than 180s →
// degraded; otherwise healthy.
func (c *Connector) Check(ctx context.Context) Health {
	c.mu.Lock()
	state := c.state
	connectedAt := c.connectedAt
	c.mu.Unlock()

	h := Health{NodeID: c.cfg.NodeID, CurrentState: state}

	if state != StateConnected && state != StateDegraded {
		h.Status = "disconnected"
		return h
	}

	h.UptimeS = time.Since(connectedAt).Seconds()
	h.ConnectedSince = connectedAt.UTC().Format(time.RFC3339)

	if err := c.probeHub(ctx, c.cfg.ConnectionTimeout.Std()); err != nil {
		h.Status = "unhealthy"
		c.setState(StateDegraded)
		return h
	}
	h.CanPingHub = true

	out, err := c.runner.Run(ctx, "wg", "show", c.cfg.InterfaceName)
	if err == nil {
		if age, ok := parseHandshakeAge(string(out)); ok {
			secs := int(age.Seconds())
			h.HandshakeAgeS = &secs
			if age > degradedHandshakeAge {
				h.Status = "degraded"
				c.setState(StateDegraded)
				return h
			}
		}
	}

	h.Status = "healthy"
	c.setState(StateConnected)
	return h
}

// Disconnect tears the interface down. Teardown errors are logged, never
// returned; the state always resets to disconnected.
func (c *Connector) Disconnect(ctx context.Context) {
	iface := c.cfg.InterfaceName
	if _, err := c.runner.Run(ctx, "ip", "link", "set", iface, "down"); err != nil {
		log.Printf("[connector] link down failed: %v", err)
	}
	if _, err := c.runner.Run(ctx, "ip", "link", "delete", iface); err != nil {
		log.Printf("[connector] link delete failed: %v", err)
	}
	c.mu.Lock()
	c.state = StateDisconnected
	c.connectedAt = time.Time{}
	c.mu.Unlock()
}
