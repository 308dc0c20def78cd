package mihome

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeBridge implements BridgeSession for testing.
type fakeBridge struct {
	mu         sync.Mutex
	status     Status
	active     bool
	listeners  []ItemListener
	registered int
	writes     []fakeWrite
	writeErr   error
}

type fakeWrite struct {
	SID    string
	Keys   []string
	Values []any
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{status: StatusOnline}
}

func (f *fakeBridge) WriteToBridge(keys []string, values []any) error {
	return f.WriteToDevice("gateway", keys, values)
}

func (f *fakeBridge) WriteToDevice(sid string, keys []string, values []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, fakeWrite{SID: sid, Keys: keys, Values: values})
	return nil
}

func (f *fakeBridge) RegisterItemListener(l ItemListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered++
	f.listeners = append(f.listeners, l)
}

func (f *fakeBridge) UnregisterItemListener(l ItemListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, x := range f.listeners {
		if x == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

func (f *fakeBridge) HasItemActivity(string, time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeBridge) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeBridge) setStatus(s Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *fakeBridge) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// recordingSink captures channel activity in order.
type recordingSink struct {
	mu       sync.Mutex
	updates  []ChannelValue
	triggers []Trigger
}

func (r *recordingSink) StateChanged(_ string, _ Kind, channel string, state State, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, ChannelValue{Channel: channel, State: state})
}

func (r *recordingSink) Triggered(_, channel, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, Trigger{Channel: channel, Event: event})
}

func (r *recordingSink) snapshot() ([]ChannelValue, []Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChannelValue(nil), r.updates...), append([]Trigger(nil), r.triggers...)
}

// recordingPublisher captures status publications.
type recordingPublisher struct {
	mu      sync.Mutex
	devices []Device
	ch      chan Device
}

func (p *recordingPublisher) PublishStatus(dev Device) {
	p.mu.Lock()
	p.devices = append(p.devices, dev)
	ch := p.ch
	p.mu.Unlock()
	if ch != nil {
		ch <- dev
	}
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

type sessionFixture struct {
	session   *Session
	bridge    *fakeBridge
	sink      *recordingSink
	publisher *recordingPublisher
	now       time.Time
}

func newFixture(t *testing.T, id string, kind Kind) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		bridge:    newFakeBridge(),
		sink:      &recordingSink{},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	s, err := NewSession(SessionOptions{
		ID:        id,
		Kind:      kind,
		Resolve:   func() any { return f.bridge },
		Channels:  NewChannelStore(id, kind, f.sink),
		Publisher: f.publisher,
		Now:       func() time.Time { return f.now },
		Rand:      func() float64 { return 0 },
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if _, err := s.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	f.session = s
	return f
}

func TestNewSession_Validation(t *testing.T) {
	store := NewChannelStore("x", KindSensorHT, nil)

	if _, err := NewSession(SessionOptions{ID: "x", Kind: "toaster", Channels: store}); err == nil {
		t.Error("unknown kind should fail")
	}
	if _, err := NewSession(SessionOptions{ID: "x", Kind: KindSensorHT}); err == nil {
		t.Error("missing channels should fail")
	}

	s, err := NewSession(SessionOptions{ID: "x", Kind: KindSensorHT, Channels: store})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if s.Status() != StatusUninitialized {
		t.Errorf("initial status = %s, want uninitialized", s.Status())
	}
}

func TestRefreshStatus_Rules(t *testing.T) {
	const sid = "158d0001000001"

	tests := []struct {
		name    string
		id      string
		resolve func(b *fakeBridge) func() any
		setup   func(b *fakeBridge)
		seen    time.Duration // age of the last valid report; 0 means none
		want    Status
	}{
		{
			name: "no id",
			id:   "",
			want: StatusConfigError,
		},
		{
			name:    "no resolver",
			id:      sid,
			resolve: func(*fakeBridge) func() any { return nil },
			want:    StatusRegistrationError,
		},
		{
			name:    "resolver returns nothing",
			id:      sid,
			resolve: func(*fakeBridge) func() any { return func() any { return nil } },
			want:    StatusRegistrationError,
		},
		{
			name:    "resolver returns wrong type",
			id:      sid,
			resolve: func(*fakeBridge) func() any { return func() any { return "gateway" } },
			want:    StatusRegistrationError,
		},
		{
			name:  "bridge offline",
			id:    sid,
			setup: func(b *fakeBridge) { b.setStatus(StatusOffline) },
			seen:  time.Minute,
			want:  StatusBridgeOffline,
		},
		{
			name: "recent report",
			id:   sid,
			seen: time.Minute,
			want: StatusOnline,
		},
		{
			name: "report just inside timeout",
			id:   sid,
			seen: OnlineTimeout - time.Second,
			want: StatusOnline,
		},
		{
			name: "report at timeout",
			id:   sid,
			seen: OnlineTimeout,
			want: StatusOffline,
		},
		{
			name: "no report",
			id:   sid,
			want: StatusOffline,
		},
		{
			name:  "gateway traffic without a valid report",
			id:    sid,
			setup: func(b *fakeBridge) { b.active = true },
			want:  StatusOffline,
		},
	}

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := newFakeBridge()
			if tt.setup != nil {
				tt.setup(bridge)
			}
			resolve := func() any { return bridge }
			if tt.resolve != nil {
				resolve = tt.resolve(bridge)
			}
			pub := &recordingPublisher{}
			s, err := NewSession(SessionOptions{
				ID:        tt.id,
				Kind:      KindSensorMotion,
				Resolve:   resolve,
				Channels:  NewChannelStore(tt.id, KindSensorMotion, nil),
				Publisher: pub,
				Now:       func() time.Time { return now },
			})
			if err != nil {
				t.Fatalf("NewSession() error = %v", err)
			}
			_, _ = s.Bind()
			if tt.seen > 0 {
				s.touch(now.Add(-tt.seen))
			}

			s.RefreshStatus()

			if got := s.Status(); got != tt.want {
				t.Errorf("Status() = %s, want %s", got, tt.want)
			}
			if pub.count() != 1 || pub.devices[0].Status != tt.want {
				t.Errorf("published %+v, want one %s", pub.devices, tt.want)
			}
		})
	}
}

func TestRefreshStatus_WithGatewaySession(t *testing.T) {
	const sid = "158d0001000001"
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	gw := NewGatewaySession(GatewayOptions{Now: func() time.Time { return now }})
	gw.SetOnline(true)

	s, err := NewSession(SessionOptions{
		ID:       sid,
		Kind:     KindSensorMotion,
		Resolve:  func() any { return gw },
		Channels: NewChannelStore(sid, KindSensorMotion, nil),
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if _, err := s.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	s.RefreshStatus()
	if s.Status() != StatusOffline {
		t.Fatalf("before traffic: %s, want offline", s.Status())
	}

	gw.HandleDatagram([]byte(`{"cmd":"report","model":"motion","sid":"158d0001000001","data":"{\"status\":\"motion\"}"}`))
	if s.Status() != StatusOnline {
		t.Fatalf("after report: %s, want online", s.Status())
	}

	now = now.Add(OnlineTimeout - time.Minute)
	s.RefreshStatus()
	if s.Status() != StatusOnline {
		t.Errorf("just inside timeout: %s, want online", s.Status())
	}

	now = now.Add(time.Hour)
	s.RefreshStatus()
	if s.Status() != StatusOffline {
		t.Errorf("after timeout: %s, want offline", s.Status())
	}

	gw.SetOnline(false)
	s.RefreshStatus()
	if s.Status() != StatusBridgeOffline {
		t.Errorf("gateway offline: %s, want bridge_offline", s.Status())
	}
}

func TestRefreshStatus_PublishesOnlyOnChange(t *testing.T) {
	f := newFixture(t, "158d0001000001", KindSensorMotion)

	f.session.RefreshStatus()
	f.session.RefreshStatus()
	if n := f.publisher.count(); n != 1 {
		t.Fatalf("published %d times, want 1", n)
	}

	f.session.touch(f.now)
	f.session.RefreshStatus()
	f.session.RefreshStatus()
	if n := f.publisher.count(); n != 2 {
		t.Errorf("published %d times, want 2", n)
	}
}

// gatedPublisher holds the first publication until release is closed and
// records each status only once its publication completes.
type gatedPublisher struct {
	mu       sync.Mutex
	statuses []Status
	first    bool
	entered  chan struct{}
	release  chan struct{}
}

func (p *gatedPublisher) PublishStatus(dev Device) {
	p.mu.Lock()
	wait := !p.first
	p.first = true
	p.mu.Unlock()

	if wait {
		close(p.entered)
		<-p.release
	}

	p.mu.Lock()
	p.statuses = append(p.statuses, dev.Status)
	p.mu.Unlock()
}

func TestRefreshStatus_ConcurrentPublishOrder(t *testing.T) {
	const sid = "158d0001000001"
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	pub := &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	bridge := newFakeBridge()

	s, err := NewSession(SessionOptions{
		ID:        sid,
		Kind:      KindSensorMotion,
		Resolve:   func() any { return bridge },
		Channels:  NewChannelStore(sid, KindSensorMotion, nil),
		Publisher: pub,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if _, err := s.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	s.touch(now)

	firstDone := make(chan struct{})
	go func() {
		s.RefreshStatus()
		close(firstDone)
	}()
	<-pub.entered

	// The device times out while the online publication is in flight.
	now = now.Add(3 * time.Hour)
	secondDone := make(chan struct{})
	go func() {
		s.RefreshStatus()
		close(secondDone)
	}()

	time.Sleep(50 * time.Millisecond)
	close(pub.release)
	<-firstDone
	<-secondDone

	want := []Status{StatusOnline, StatusOffline}
	if !reflect.DeepEqual(pub.statuses, want) {
		t.Errorf("published %v, want %v", pub.statuses, want)
	}
	if s.Status() != StatusOffline {
		t.Errorf("Status() = %s, want offline", s.Status())
	}
}

func TestOnItemUpdate_OtherSID(t *testing.T) {
	f := newFixture(t, "158d0001000001", KindSensorMotion)

	err := f.session.OnItemUpdate("158d0009999999", CmdReport, `{"status":"motion"}`)
	if err != nil {
		t.Fatalf("OnItemUpdate() error = %v", err)
	}

	updates, triggers := f.sink.snapshot()
	if len(updates) != 0 || len(triggers) != 0 {
		t.Errorf("channels touched: %v %v", updates, triggers)
	}
	if f.session.Status() != StatusUninitialized {
		t.Errorf("status = %s, want uninitialized", f.session.Status())
	}
	if !f.session.Snapshot().LastSeenAt.IsZero() {
		t.Error("last seen advanced for another device's message")
	}
	if f.publisher.count() != 0 {
		t.Error("status published for another device's message")
	}
}

func TestOnItemUpdate_Report(t *testing.T) {
	const sid = "158d0001000001"
	f := newFixture(t, sid, KindSensorMagnet)

	if err := f.session.OnItemUpdate(sid, CmdHeartbeat, `{"voltage":2700,"status":"open"}`); err != nil {
		t.Fatalf("OnItemUpdate() error = %v", err)
	}

	updates, triggers := f.sink.snapshot()
	wantUpdates := []ChannelValue{{Channel: ChannelVoltage, State: DecimalType(2700)}}
	wantTriggers := []Trigger{{Channel: ChannelBatteryLow, Event: "LOW"}}
	if !reflect.DeepEqual(updates, wantUpdates) || !reflect.DeepEqual(triggers, wantTriggers) {
		t.Errorf("got %v %v, want %v %v", updates, triggers, wantUpdates, wantTriggers)
	}

	dev := f.session.Snapshot()
	if dev.Status != StatusOnline {
		t.Errorf("status = %s, want online", dev.Status)
	}
	if !dev.LastSeenAt.Equal(f.now) {
		t.Errorf("LastSeenAt = %v, want %v", dev.LastSeenAt, f.now)
	}
}

func TestOnItemUpdate_Malformed(t *testing.T) {
	const sid = "158d0001000001"
	f := newFixture(t, sid, KindSensorHT)

	for _, data := range []string{``, `not json`, `{"temperature":"warm"}`} {
		err := f.session.OnItemUpdate(sid, CmdReport, data)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("OnItemUpdate(%s) error = %v, want ErrMalformedPayload", data, err)
		}
	}

	updates, _ := f.sink.snapshot()
	if len(updates) != 0 {
		t.Errorf("malformed reports updated channels: %v", updates)
	}
	if !f.session.Snapshot().LastSeenAt.IsZero() {
		t.Error("malformed report advanced last seen")
	}
}

func TestOnItemUpdate_MalformedKeepsDeviceOffline(t *testing.T) {
	const sid = "158d0001000001"
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	reported := now
	gw := NewGatewaySession(GatewayOptions{Now: func() time.Time { return now }})
	gw.SetOnline(true)

	s, err := NewSession(SessionOptions{
		ID:       sid,
		Kind:     KindSensorHT,
		Resolve:  func() any { return gw },
		Channels: NewChannelStore(sid, KindSensorHT, nil),
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if _, err := s.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	gw.HandleDatagram([]byte(`{"cmd":"report","model":"sensor_ht","sid":"158d0001000001","data":"{\"temperature\":\"2150\"}"}`))
	if s.Status() != StatusOnline {
		t.Fatalf("after report: %s, want online", s.Status())
	}

	now = now.Add(3 * time.Hour)
	s.RefreshStatus()
	if s.Status() != StatusOffline {
		t.Fatalf("after timeout: %s, want offline", s.Status())
	}

	for _, raw := range []string{
		`{"cmd":"report","model":"sensor_ht","sid":"158d0001000001","data":"{\"temperature\":\"warm\"}"}`,
		`{"cmd":"report","model":"sensor_ht","sid":"158d0001000001","data":"not json"}`,
		`{"cmd":"report","model":"sensor_ht","sid":"158d0001000001","data":""}`,
	} {
		gw.HandleDatagram([]byte(raw))
	}
	s.RefreshStatus()

	// The gateway heard the device but none of its data was usable.
	if !gw.HasItemActivity(sid, OnlineTimeout) {
		t.Fatal("gateway did not record the malformed datagrams")
	}
	dev := s.Snapshot()
	if dev.Status != StatusOffline {
		t.Errorf("status = %s, want offline", dev.Status)
	}
	if !dev.LastSeenAt.Equal(reported) {
		t.Errorf("LastSeenAt = %v, want %v", dev.LastSeenAt, reported)
	}
}

func TestOnItemUpdate_UnknownCommand(t *testing.T) {
	const sid = "158d0001000001"
	f := newFixture(t, sid, KindSensorMotion)

	if err := f.session.OnItemUpdate(sid, "dance", `{"status":"motion"}`); err != nil {
		t.Fatalf("OnItemUpdate() error = %v", err)
	}
	if updates, _ := f.sink.snapshot(); len(updates) != 0 {
		t.Errorf("unknown command updated channels: %v", updates)
	}
}

func TestLastSeenMonotonic(t *testing.T) {
	const sid = "158d0001000001"
	f := newFixture(t, sid, KindSensorMotion)
	first := f.now

	_ = f.session.OnItemUpdate(sid, CmdReport, `{"status":"motion"}`)
	f.now = first.Add(-time.Minute)
	_ = f.session.OnItemUpdate(sid, CmdReport, `{"status":"motion"}`)

	if got := f.session.Snapshot().LastSeenAt; !got.Equal(first) {
		t.Errorf("LastSeenAt = %v, want %v", got, first)
	}

	f.now = first.Add(time.Minute)
	_ = f.session.OnItemUpdate(sid, CmdReport, `{"status":"motion"}`)
	if got := f.session.Snapshot().LastSeenAt; !got.Equal(f.now) {
		t.Errorf("LastSeenAt = %v, want %v", got, f.now)
	}
}

func TestBindOnce(t *testing.T) {
	f := newFixture(t, "158d0001000001", KindSensorMotion)

	bs, err := f.session.Bind()
	if err != nil || bs != f.bridge {
		t.Fatalf("Bind() = %v, %v; want the resolved bridge", bs, err)
	}
	_, _ = f.session.Bind()
	f.session.RefreshStatus()
	f.session.RefreshStatus()

	if f.bridge.registered != 1 {
		t.Errorf("registered %d times, want 1", f.bridge.registered)
	}
}

func TestDispose(t *testing.T) {
	const sid = "158d0001000001"
	f := newFixture(t, sid, KindSensorMotion)
	f.session.RefreshStatus()
	published := f.publisher.count()

	f.session.Dispose()

	if f.session.ItemID() != "" {
		t.Errorf("ItemID() = %q after Dispose", f.session.ItemID())
	}
	if f.bridge.listenerCount() != 0 {
		t.Error("listener still registered after Dispose")
	}

	f.session.RefreshStatus()
	if err := f.session.OnItemUpdate(sid, CmdReport, `{"status":"motion"}`); err != nil {
		t.Errorf("OnItemUpdate() after Dispose error = %v", err)
	}
	if f.publisher.count() != published {
		t.Error("disposed session published a status")
	}
	if updates, _ := f.sink.snapshot(); len(updates) != 0 {
		t.Errorf("disposed session updated channels: %v", updates)
	}
	if _, err := f.session.Bind(); !errors.Is(err, ErrDisposed) {
		t.Errorf("Bind() after Dispose error = %v, want ErrDisposed", err)
	}
}

func TestHandleCommand(t *testing.T) {
	t.Run("gateway write and reflected colour", func(t *testing.T) {
		f := newFixture(t, "f0b429000001", KindGateway)

		if err := f.session.HandleCommand(ChannelColorTemperature, PercentType(100)); err != nil {
			t.Fatalf("HandleCommand() error = %v", err)
		}
		want := []fakeWrite{{SID: "gateway", Keys: []string{"rgb"}, Values: []any{PackLight(RGBFromKelvin(6500), 1)}}}
		if !reflect.DeepEqual(f.bridge.writes, want) {
			t.Errorf("writes = %+v, want %+v", f.bridge.writes, want)
		}
		updates, _ := f.sink.snapshot()
		if len(updates) != 1 || updates[0].Channel != ChannelColor {
			t.Errorf("updates = %v, want colour", updates)
		}
	})

	t.Run("plug write addressed to device", func(t *testing.T) {
		f := newFixture(t, "158d0001000004", KindSensorPlug)

		if err := f.session.HandleCommand(ChannelPower, On); err != nil {
			t.Fatalf("HandleCommand() error = %v", err)
		}
		want := []fakeWrite{{SID: "158d0001000004", Keys: []string{"status"}, Values: []any{"on"}}}
		if !reflect.DeepEqual(f.bridge.writes, want) {
			t.Errorf("writes = %+v, want %+v", f.bridge.writes, want)
		}
	})

	t.Run("refresh is a no-op", func(t *testing.T) {
		f := newFixture(t, "f0b429000001", KindGateway)
		if err := f.session.HandleCommand(ChannelBrightness, Refresh); err != nil {
			t.Errorf("HandleCommand(Refresh) error = %v", err)
		}
		if len(f.bridge.writes) != 0 {
			t.Error("refresh wrote to the gateway")
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		f := newFixture(t, "158d0001000001", KindSensorHT)
		err := f.session.HandleCommand(ChannelTemperature, DecimalType(20))
		if !errors.Is(err, ErrUnsupportedCommand) {
			t.Errorf("error = %v, want ErrUnsupportedCommand", err)
		}
	})

	t.Run("no bridge", func(t *testing.T) {
		sink := &recordingSink{}
		s, _ := NewSession(SessionOptions{
			ID:       "f0b429000001",
			Kind:     KindGateway,
			Channels: NewChannelStore("f0b429000001", KindGateway, sink),
		})
		if _, err := s.Bind(); !errors.Is(err, ErrNotRegistered) {
			t.Errorf("Bind() error = %v, want ErrNotRegistered", err)
		}
		err := s.HandleCommand(ChannelSound, DecimalType(3))
		if !errors.Is(err, ErrNoBridge) {
			t.Errorf("error = %v, want ErrNoBridge", err)
		}
		if updates, _ := sink.snapshot(); len(updates) != 0 {
			t.Errorf("failed command updated channels: %v", updates)
		}
	})

	t.Run("write error", func(t *testing.T) {
		f := newFixture(t, "f0b429000001", KindGateway)
		f.bridge.writeErr = ErrNoToken

		err := f.session.HandleCommand(ChannelSound, DecimalType(3))
		if !errors.Is(err, ErrNoToken) {
			t.Errorf("error = %v, want ErrNoToken", err)
		}
		if updates, _ := f.sink.snapshot(); len(updates) != 0 {
			t.Errorf("failed write updated channels: %v", updates)
		}
	})
}

func TestInitDelay(t *testing.T) {
	tests := []struct {
		r    float64
		want time.Duration
	}{
		{0, 200 * time.Millisecond},
		{0.1, 200 * time.Millisecond},
		{0.5, 500 * time.Millisecond},
		{0.75, 750 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := initDelay(tt.r); got != tt.want {
			t.Errorf("initDelay(%v) = %v, want %v", tt.r, got, tt.want)
		}
	}
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, "158d0001000001", KindSensorMotion)
	f.publisher.ch = make(chan Device, 1)

	f.session.Initialize()

	select {
	case dev := <-f.publisher.ch:
		if dev.Status != StatusOffline {
			t.Errorf("status = %s, want offline", dev.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status published after Initialize")
	}
}

func TestInitialize_CancelledByDispose(t *testing.T) {
	f := newFixture(t, "158d0001000001", KindSensorMotion)

	f.session.Initialize()
	f.session.Dispose()

	time.Sleep(300 * time.Millisecond)
	if f.publisher.count() != 0 {
		t.Error("status published after Dispose")
	}
}
