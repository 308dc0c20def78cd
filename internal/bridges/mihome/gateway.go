package mihome

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// PacketSender delivers a datagram to the gateway.
type PacketSender interface {
	Send(payload []byte) error
}

// GatewayOptions holds configuration for a gateway session.
type GatewayOptions struct {
	// SID is the gateway's own sid. If empty, it is learned from the
	// first gateway heartbeat.
	SID string

	// Key is the 16-character developer key set in the Mi Home app.
	Key string

	// Sender delivers writes. Required for writes; reads work without it.
	Sender PacketSender

	// Logger is optional.
	Logger Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// GatewaySession is the bridge-side end of one Mi Home gateway. It fans
// inbound datagrams out to device listeners, tracks when each sid was last
// heard from and signs outbound writes with the gateway token.
//
// Thread Safety: All methods are safe for concurrent use. Listeners are
// invoked without the session lock held.
type GatewaySession struct {
	key    string
	sender PacketSender
	logger Logger
	now    func() time.Time

	mu        sync.RWMutex
	sid       string
	token     string
	online    bool
	listeners []ItemListener
	lastSeen  map[string]time.Time
}

// NewGatewaySession creates a gateway session in the offline state.
func NewGatewaySession(opts GatewayOptions) *GatewaySession {
	g := &GatewaySession{
		sid:      opts.SID,
		key:      opts.Key,
		sender:   opts.Sender,
		logger:   opts.Logger,
		now:      opts.Now,
		lastSeen: make(map[string]time.Time),
	}
	if g.logger == nil {
		g.logger = nopLogger{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// SID returns the gateway sid, or "" if not yet known.
func (g *GatewaySession) SID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sid
}

// SetOnline marks the gateway reachable or not. The bridge sets it when
// the transport starts and stops.
func (g *GatewaySession) SetOnline(online bool) {
	g.mu.Lock()
	g.online = online
	g.mu.Unlock()
}

// Status reports online once the transport is up.
func (g *GatewaySession) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.online {
		return StatusOnline
	}
	return StatusOffline
}

// RegisterItemListener adds l. Registering the same listener twice is a no-op.
func (g *GatewaySession) RegisterItemListener(l ItemListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if slices.Contains(g.listeners, l) {
		return
	}
	g.listeners = append(g.listeners, l)
}

// UnregisterItemListener removes l.
func (g *GatewaySession) UnregisterItemListener(l ItemListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = slices.DeleteFunc(g.listeners, func(x ItemListener) bool { return x == l })
}

// ListenerCount returns the number of registered listeners.
func (g *GatewaySession) ListenerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.listeners)
}

// HasItemActivity reports whether sid was heard from within timeout.
func (g *GatewaySession) HasItemActivity(sid string, timeout time.Duration) bool {
	g.mu.RLock()
	seen, ok := g.lastSeen[sid]
	g.mu.RUnlock()
	return ok && g.now().Sub(seen) < timeout
}

// HandleDatagram processes one datagram received from the gateway network.
func (g *GatewaySession) HandleDatagram(raw []byte) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		g.logger.Warn("dropping malformed datagram", "error", err)
		return
	}
	if env.SID == "" {
		g.logger.Debug("datagram without sid", "cmd", env.Cmd)
		return
	}

	g.mu.Lock()
	g.lastSeen[env.SID] = g.now()
	if env.Token != "" && g.isGatewayLocked(env) {
		if g.sid == "" {
			g.sid = env.SID
			g.logger.Info("learned gateway sid", "sid", env.SID)
		}
		g.token = env.Token
	}
	listeners := slices.Clone(g.listeners)
	g.mu.Unlock()

	for _, l := range listeners {
		if err := l.OnItemUpdate(env.SID, env.Cmd, env.Data); err != nil {
			g.logger.Debug("listener rejected update", "sid", env.SID, "cmd", env.Cmd, "error", err)
		}
	}
}

func (g *GatewaySession) isGatewayLocked(env Envelope) bool {
	if g.sid != "" {
		return env.SID == g.sid
	}
	return env.Model == string(KindGateway)
}

// WriteToBridge sends a write addressed to the gateway itself.
func (g *GatewaySession) WriteToBridge(keys []string, values []any) error {
	return g.WriteToDevice(g.SID(), keys, values)
}

// WriteToDevice sends a signed write for sid.
func (g *GatewaySession) WriteToDevice(sid string, keys []string, values []any) error {
	g.mu.RLock()
	token := g.token
	g.mu.RUnlock()

	if token == "" {
		return ErrNoToken
	}
	if g.sender == nil {
		return ErrNotStarted
	}

	raw, err := BuildWrite(sid, token, g.key, keys, values)
	if err != nil {
		return err
	}
	if err := g.sender.Send(raw); err != nil {
		return fmt.Errorf("send write to %s: %w", sid, err)
	}
	g.logger.Debug("write sent", "sid", sid, "keys", keys)
	return nil
}

// BuildWrite encodes a write datagram. The data object lists keys in the
// given order followed by the encrypted token under "key".
func BuildWrite(sid, token, gatewayKey string, keys []string, values []any) ([]byte, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("write has %d keys and %d values", len(keys), len(values))
	}

	signature, err := EncryptDefault(token, gatewayKey)
	if err != nil {
		return nil, fmt.Errorf("sign write: %w", err)
	}

	var data bytes.Buffer
	data.WriteByte('{')
	for i, k := range keys {
		if err := writeMember(&data, k, values[i]); err != nil {
			return nil, err
		}
		data.WriteByte(',')
	}
	if err := writeMember(&data, "key", signature); err != nil {
		return nil, err
	}
	data.WriteByte('}')

	return json.Marshal(Envelope{Cmd: CmdWrite, SID: sid, Data: data.String()})
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}
