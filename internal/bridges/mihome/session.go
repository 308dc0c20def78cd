package mihome

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// Status is the externally visible health of a device session.
type Status string

// Session statuses.
const (
	StatusUninitialized     Status = "uninitialized"
	StatusOnline            Status = "online"
	StatusOffline           Status = "offline"
	StatusBridgeOffline     Status = "bridge_offline"
	StatusConfigError       Status = "config_error"
	StatusRegistrationError Status = "registration_error"
)

// Session timing constants.
const (
	// OnlineTimeout is how long a device stays online without traffic.
	OnlineTimeout = 2 * time.Hour

	// initJitterMax and initDelayMin bound the post-initialise status check.
	initJitterMax = time.Second
	initDelayMin  = 200 * time.Millisecond
)

// BridgeSession is the gateway-side contract a device session talks to.
type BridgeSession interface {
	// WriteToBridge sends an encrypted write addressed to the gateway.
	WriteToBridge(keys []string, values []any) error

	// WriteToDevice sends an encrypted write addressed to a peripheral.
	WriteToDevice(sid string, keys []string, values []any) error

	// RegisterItemListener adds a listener for inbound device messages.
	RegisterItemListener(l ItemListener)

	// UnregisterItemListener removes a previously registered listener.
	UnregisterItemListener(l ItemListener)

	// HasItemActivity reports whether the gateway saw any datagram from sid
	// within timeout.
	HasItemActivity(sid string, timeout time.Duration) bool

	// Status returns the gateway's own status.
	Status() Status
}

// ItemListener receives every inbound device message seen by a gateway.
type ItemListener interface {
	ItemID() string
	OnItemUpdate(sid, command, data string) error
}

// StatusPublisher is notified when a session's status changes.
type StatusPublisher interface {
	PublishStatus(dev Device)
}

// Device is a point-in-time view of a session.
type Device struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Name       string    `json:"name,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at,omitzero"`
	Status     Status    `json:"status"`
}

// SessionOptions holds configuration for creating a device session.
type SessionOptions struct {
	// ID is the device sid. An empty ID leaves the session in config_error.
	ID string

	Kind Kind
	Name string

	// Resolve returns the gateway this device belongs to. The result must
	// implement BridgeSession; anything else is a registration error.
	Resolve func() any

	// Channels receives state updates and triggers. Required.
	Channels Channels

	// Publisher is notified of status changes. Optional.
	Publisher StatusPublisher

	// Logger is optional.
	Logger Logger

	// Now and Rand default to time.Now and math/rand/v2.Float64.
	Now  func() time.Time
	Rand func() float64
}

// Session tracks one peripheral or gateway device: it applies inbound
// reports to channels, turns channel commands into gateway writes and
// derives the device's online status.
//
// Thread Safety: All methods are safe for concurrent use.
type Session struct {
	kind      Kind
	name      string
	behavior  Behavior
	channels  Channels
	publisher StatusPublisher
	logger    Logger
	now       func() time.Time
	rand      func() float64
	resolve   func() any

	mu       sync.Mutex
	id       string
	bridge   BridgeSession
	status   Status
	lastSeen time.Time
	timer    *time.Timer
	disposed bool

	// publishMu serialises status computation with its publication so
	// publishers observe statuses in the order they were computed.
	publishMu sync.Mutex
	published Status
}

// NewSession creates a device session. Call Initialize to start it.
func NewSession(opts SessionOptions) (*Session, error) {
	b, ok := BehaviorFor(opts.Kind)
	if !ok {
		return nil, errors.New("unknown device kind: " + string(opts.Kind))
	}
	if opts.Channels == nil {
		return nil, errors.New("channels are required")
	}

	s := &Session{
		id:        opts.ID,
		kind:      opts.Kind,
		name:      opts.Name,
		behavior:  b,
		channels:  opts.Channels,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		now:       opts.Now,
		rand:      opts.Rand,
		resolve:   opts.Resolve,
		status:    StatusUninitialized,
		published: StatusUninitialized,
	}
	if s.logger == nil {
		s.logger = nopLogger{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.rand == nil {
		s.rand = rand.Float64
	}
	return s, nil
}

// ItemID returns the device sid, or "" once disposed.
func (s *Session) ItemID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Initialize schedules the first status check after a short random delay
// so a gateway full of devices does not evaluate them all at once.
func (s *Session) Initialize() {
	delay := initDelay(s.rand())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, s.RefreshStatus)
}

// initDelay maps r in [0,1) to max(r·1s, 200ms).
func initDelay(r float64) time.Duration {
	return max(time.Duration(r*float64(initJitterMax)), initDelayMin)
}

// Bind resolves the gateway and registers the session as its listener.
// It registers at most once; later calls return the bound gateway. A
// session that was never bound reports registration_error.
func (s *Session) Bind() (BridgeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, ErrDisposed
	}
	if s.bridge != nil {
		return s.bridge, nil
	}
	if s.resolve == nil {
		return nil, ErrNotRegistered
	}
	bs, ok := s.resolve().(BridgeSession)
	if !ok || bs == nil {
		return nil, ErrNotRegistered
	}
	if s.id != "" {
		bs.RegisterItemListener(s)
	}
	s.bridge = bs
	return bs, nil
}

// Dispose unregisters the session, clears its id and cancels any pending
// status check. A disposed session ignores all further traffic.
func (s *Session) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.bridge != nil && s.id != "" {
		s.bridge.UnregisterItemListener(s)
	}
	s.bridge = nil
	s.id = ""
	s.disposed = true
	s.logger.Debug("device session disposed", "kind", s.kind)
}

// OnItemUpdate handles an inbound message. Messages for other sids are
// ignored without touching status.
func (s *Session) OnItemUpdate(sid, command, data string) error {
	id := s.ItemID()
	if id == "" || sid != id {
		return nil
	}

	payload, err := ParsePayload(data)
	if err != nil {
		s.logger.Warn("dropping malformed device message", "sid", sid, "cmd", command, "error", err)
		return err
	}

	fx, known, err := RouteReport(s.behavior, Report{Command: command, Data: payload})
	if err != nil {
		s.logger.Warn("dropping malformed device report", "sid", sid, "cmd", command, "error", err)
		return err
	}
	if !known {
		s.logger.Debug("device got unknown command", "sid", sid, "cmd", command)
	}

	s.apply(fx)
	s.touch(s.now())
	s.RefreshStatus()
	return nil
}

// HandleCommand executes a channel command. Refresh is a no-op.
func (s *Session) HandleCommand(channel string, cmd State) error {
	if _, ok := cmd.(RefreshType); ok {
		return nil
	}

	fx, err := s.behavior.Execute(channel, cmd, s.channels)
	if err != nil {
		s.logger.Debug("command not supported", "kind", s.kind, "channel", channel, "error", err)
		return err
	}

	if len(fx.Writes) > 0 {
		s.mu.Lock()
		id := s.id
		bridge := s.bridge
		s.mu.Unlock()

		if bridge == nil {
			return ErrNoBridge
		}
		for _, w := range fx.Writes {
			var werr error
			switch w.Target {
			case TargetDevice:
				werr = bridge.WriteToDevice(id, w.Keys, w.Values)
			default:
				werr = bridge.WriteToBridge(w.Keys, w.Values)
			}
			if werr != nil {
				return werr
			}
		}
	}

	s.apply(fx)
	return nil
}

// RefreshStatus recomputes the session status and publishes it if it
// differs from the last published one. It is a no-op after Dispose.
func (s *Session) RefreshStatus() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.status = s.computeStatusLocked(s.now())
	dev := s.snapshotLocked()
	s.mu.Unlock()

	if dev.Status == s.published {
		return
	}
	s.published = dev.Status
	s.logger.Info("device status changed", "id", dev.ID, "kind", dev.Kind, "status", dev.Status)
	if s.publisher != nil {
		s.publisher.PublishStatus(dev)
	}
}

// computeStatusLocked derives the status from the bound gateway and the
// session's own last-seen time.
func (s *Session) computeStatusLocked(now time.Time) Status {
	if s.id == "" {
		return StatusConfigError
	}
	if s.bridge == nil {
		return StatusRegistrationError
	}
	if s.bridge.Status() != StatusOnline {
		return StatusBridgeOffline
	}
	if !s.lastSeen.IsZero() && now.Sub(s.lastSeen) < OnlineTimeout {
		return StatusOnline
	}
	return StatusOffline
}

// Status returns the last computed status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns the current device view.
func (s *Session) Snapshot() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Device {
	return Device{
		ID:         s.id,
		Kind:       s.kind,
		Name:       s.name,
		LastSeenAt: s.lastSeen,
		Status:     s.status,
	}
}

// touch advances the last-seen time; it never moves backwards.
func (s *Session) touch(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastSeen) {
		s.lastSeen = t
	}
}

func (s *Session) apply(fx Effects) {
	for _, u := range fx.Updates {
		s.channels.UpdateState(u.Channel, u.State)
	}
	for _, t := range fx.Triggers {
		s.channels.TriggerChannel(t.Channel, t.Event)
	}
}
