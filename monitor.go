package chatsync

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// NetworkMonitor
// ============================================================================

// NetworkMonitor is the single boolean source of truth for connectivity.
// A subscriber's very first read reflects current state without requiring a
// prior transition.
//
// State can be driven manually via SetOnline (embedders that already have a
// platform connectivity signal) or by the built-in websocket probe
// (StartProbe). The monitor makes no accuracy promise beyond best effort: a
// captive network that looks online simply produces send failures that flow
// through the normal retry path.
type NetworkMonitor struct {
	emitter
	log zerolog.Logger

	mu       sync.Mutex
	online   bool
	probeURL string
}

// MonitorOption configures a NetworkMonitor.
type MonitorOption func(*NetworkMonitor)

// WithProbeURL sets the websocket endpoint the probe dials to derive
// connectivity (ws:// or wss://).
func WithProbeURL(u string) MonitorOption {
	return func(m *NetworkMonitor) { m.probeURL = u }
}

// WithMonitorLogger sets the monitor's logger. Defaults to a no-op logger.
func WithMonitorLogger(log zerolog.Logger) MonitorOption {
	return func(m *NetworkMonitor) { m.log = log }
}

// NewNetworkMonitor creates a monitor that starts in the online state.
func NewNetworkMonitor(opts ...MonitorOption) *NetworkMonitor {
	m := &NetworkMonitor{online: true, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online returns the current network state.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the network state and notifies subscribers on a flip.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	if online {
		m.log.Debug().Msg("network online")
		m.emit(EventNetworkOnline, nil)
	} else {
		m.log.Debug().Msg("network offline")
		m.emit(EventNetworkOffline, nil)
	}
}

// Subscribe registers a handler for connectivity flips. The handler is also
// invoked immediately with the current state so subscribers never need to
// wait for a transition to learn where they stand.
func (m *NetworkMonitor) Subscribe(handler func(online bool)) {
	m.On(EventNetworkOnline, func(string, any) { handler(true) })
	m.On(EventNetworkOffline, func(string, any) { handler(false) })
	handler(m.Online())
}

// ============================================================================
// Websocket connectivity probe
// ============================================================================

// probeBackoff computes redial delays for the probe: exponential with jitter,
// resetting after a minute of stable connection.
type probeBackoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (b *probeBackoff) markConnected() {
	b.connectedAt = time.Now()
}

func (b *probeBackoff) nextDelay() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > 60*time.Second {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}

// StartProbe runs the websocket connectivity probe until ctx is cancelled.
// A held-open socket means online; a dial or read failure means offline
// followed by a backoff redial. The socket carries no message traffic.
func (m *NetworkMonitor) StartProbe(ctx context.Context) {
	if m.probeURL == "" {
		return
	}
	go m.probeLoop(ctx)
}

func (m *NetworkMonitor) probeLoop(ctx context.Context) {
	backoff := &probeBackoff{baseDelay: time.Second, maxDelay: 30 * time.Second}
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(ctx, m.probeURL, nil)
		if err != nil {
			m.SetOnline(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff.nextDelay()):
			}
			continue
		}

		backoff.markConnected()
		m.SetOnline(true)

		// block until the socket drops; any read error flips us offline
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				break
			}
		}
		conn.Close(websocket.StatusNormalClosure, "probe closed")
		if ctx.Err() != nil {
			return
		}
		m.log.Debug().Msg("probe socket dropped")
		m.SetOnline(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.nextDelay()):
		}
	}
}
