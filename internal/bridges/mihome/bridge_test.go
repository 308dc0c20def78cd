package mihome

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

const (
	testPlugSID   = "158d0001000004"
	testClimaSID  = "158d0001000002"
	testButtonSID = "158d0001000003"
)

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockMQTT implements MQTTClient and HealthPublisher for testing.
type mockMQTT struct {
	mu        sync.Mutex
	connected bool
	messages  []publishedMessage
	handlers  map[string]func(topic string, payload []byte)
	subErr    error
}

func newMockMQTT(connected bool) *mockMQTT {
	return &mockMQTT{connected: connected, handlers: make(map[string]func(string, []byte))}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return m.subErr
	}
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// deliver simulates a message arriving on a subscription.
func (m *mockMQTT) deliver(t *testing.T, subscription, topic string, payload []byte) {
	t.Helper()
	m.mu.Lock()
	h, ok := m.handlers[subscription]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", subscription)
	}
	h(topic, payload)
}

func (m *mockMQTT) byTopic(topic string) []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedMessage
	for _, msg := range m.messages {
		if msg.topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

type mockLink struct {
	mu       sync.Mutex
	startErr error
	started  int
	stopped  int
}

func (l *mockLink) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return l.startErr
	}
	l.started++
	return nil
}

func (l *mockLink) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
	return nil
}

type metric struct {
	deviceID string
	channel  string
	value    float64
}

type mockTelemetry struct {
	mu       sync.Mutex
	metrics  []metric
	statuses []string
}

func (m *mockTelemetry) WriteDeviceMetric(deviceID, measurement string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, metric{deviceID: deviceID, channel: measurement, value: value})
}

func (m *mockTelemetry) WriteDeviceStatus(deviceID, kind, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, deviceID+"/"+kind+"/"+status)
}

type bridgeFixture struct {
	bridge    *Bridge
	mqtt      *mockMQTT
	gateway   *GatewaySession
	sender    *recordingSender
	telemetry *mockTelemetry
}

func testBridgeConfig() *Config {
	cfg := defaultConfig()
	cfg.Bridge.ID = "mihome-test"
	cfg.Gateway.Key = testKey
	cfg.Devices = []DeviceConfig{
		{SID: testGatewaySID, Kind: "gateway", Name: "Hall gateway"},
		{SID: testClimaSID, Kind: "sensor_ht"},
		{SID: testButtonSID, Kind: "switch"},
		{SID: testPlugSID, Kind: "plug"},
	}
	return cfg
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		mqtt:      newMockMQTT(true),
		sender:    &recordingSender{},
		telemetry: &mockTelemetry{},
	}
	f.gateway = NewGatewaySession(GatewayOptions{Key: testKey, Sender: f.sender})

	b, err := NewBridge(BridgeOptions{
		Config:     testBridgeConfig(),
		MQTTClient: f.mqtt,
		Gateway:    f.gateway,
		Telemetry:  f.telemetry,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	f.bridge = b
	return f
}

func decodeAck(t *testing.T, msgs []publishedMessage) AckMessage {
	t.Helper()
	if len(msgs) != 1 {
		t.Fatalf("got %d acks, want 1", len(msgs))
	}
	var ack AckMessage
	if err := json.Unmarshal(msgs[0].payload, &ack); err != nil {
		t.Fatalf("ack does not decode: %v", err)
	}
	return ack
}

func TestNewBridge_Validation(t *testing.T) {
	if _, err := NewBridge(BridgeOptions{MQTTClient: newMockMQTT(true)}); err == nil {
		t.Error("NewBridge() without config should fail")
	}
	if _, err := NewBridge(BridgeOptions{Config: testBridgeConfig()}); err == nil {
		t.Error("NewBridge() without MQTT client should fail")
	}

	cfg := testBridgeConfig()
	cfg.Devices = append(cfg.Devices, DeviceConfig{SID: "158d0009999999", Kind: "toaster"})
	if _, err := NewBridge(BridgeOptions{Config: cfg, MQTTClient: newMockMQTT(true)}); err == nil {
		t.Error("NewBridge() with unknown device kind should fail")
	}
}

func TestNewBridge_BindsSessions(t *testing.T) {
	f := newBridgeFixture(t)

	if n := f.gateway.ListenerCount(); n != len(testBridgeConfig().Devices) {
		t.Errorf("ListenerCount() = %d, want %d", n, len(testBridgeConfig().Devices))
	}
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.bridge.Stop()
	if n := f.gateway.ListenerCount(); n != len(testBridgeConfig().Devices) {
		t.Errorf("ListenerCount() after Start = %d, want %d", n, len(testBridgeConfig().Devices))
	}

	// Without a gateway every session reports a registration error.
	b, err := NewBridge(BridgeOptions{Config: testBridgeConfig(), MQTTClient: newMockMQTT(true)})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	for _, d := range b.deviceList() {
		d.session.RefreshStatus()
	}
	for _, dev := range b.Devices() {
		if dev.Status != StatusRegistrationError {
			t.Errorf("%s status = %s, want registration_error", dev.ID, dev.Status)
		}
	}
}

func TestBridge_StartStop(t *testing.T) {
	f := newBridgeFixture(t)
	link := &mockLink{}
	f.bridge.link = link

	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f.gateway.Status() != StatusOnline {
		t.Error("gateway not online after Start")
	}
	if _, ok := f.mqtt.handlers[CommandSubscribeTopic()]; !ok {
		t.Error("command topic not subscribed")
	}

	f.bridge.Stop()
	f.bridge.Stop()

	if link.started != 1 || link.stopped != 1 {
		t.Errorf("link started %d stopped %d, want 1/1", link.started, link.stopped)
	}
	if f.gateway.Status() != StatusOffline {
		t.Error("gateway still online after Stop")
	}

	health := f.mqtt.byTopic(HealthTopic())
	if len(health) < 2 {
		t.Fatalf("published %d health messages, want at least 2", len(health))
	}
	if first := decodeHealth(t, health[0]); first.Status != HealthStarting {
		t.Errorf("first health = %s, want starting", first.Status)
	}
	if last := decodeHealth(t, health[len(health)-1]); last.Status != HealthStopping {
		t.Errorf("last health = %s, want stopping", last.Status)
	}

	statuses := f.mqtt.byTopic(StatusTopic(testPlugSID))
	if len(statuses) == 0 {
		t.Fatal("no status published for the plug on Stop")
	}
	var msg DeviceStatusMessage
	if err := json.Unmarshal(statuses[len(statuses)-1].payload, &msg); err != nil {
		t.Fatalf("status does not decode: %v", err)
	}
	if msg.Status != StatusBridgeOffline || !statuses[len(statuses)-1].retained {
		t.Errorf("final plug status = %s retained=%v, want bridge_offline retained", msg.Status, statuses[len(statuses)-1].retained)
	}
}

func TestBridge_StartErrors(t *testing.T) {
	t.Run("subscribe", func(t *testing.T) {
		f := newBridgeFixture(t)
		f.mqtt.subErr = errors.New("not connected")
		if err := f.bridge.Start(context.Background()); err == nil {
			t.Error("Start() should fail when subscribe fails")
		}
	})

	t.Run("link", func(t *testing.T) {
		f := newBridgeFixture(t)
		f.bridge.link = &mockLink{startErr: errors.New("address in use")}
		if err := f.bridge.Start(context.Background()); err == nil {
			t.Error("Start() should fail when the link fails")
		}
		if f.gateway.Status() != StatusOffline {
			t.Error("gateway marked online although the link failed")
		}
	})
}

func TestBridge_CommandAccepted(t *testing.T) {
	f := newBridgeFixture(t)
	f.gateway.HandleDatagram(gatewayHeartbeat(testGatewaySID, testToken))
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(f.bridge.Stop)

	f.mqtt.deliver(t, CommandSubscribeTopic(), CommandTopic(testPlugSID),
		[]byte(`{"channel":"power","command":"on","source":"api"}`))

	ack := decodeAck(t, f.mqtt.byTopic(AckTopic(testPlugSID)))
	if ack.Status != AckAccepted {
		t.Errorf("ack status = %s (%+v), want accepted", ack.Status, ack.Error)
	}
	if len(ack.CommandID) != 36 {
		t.Errorf("CommandID = %q, want a generated uuid", ack.CommandID)
	}
	if ack.DeviceID != testPlugSID || ack.Channel != ChannelPower {
		t.Errorf("ack = %+v", ack)
	}

	env := f.sender.last(t)
	if env.SID != testPlugSID || env.Data != `{"status":"on","key":"`+testSignature+`"}` {
		t.Errorf("write = %+v", env)
	}
}

func TestBridge_CommandKeepsID(t *testing.T) {
	f := newBridgeFixture(t)
	f.gateway.HandleDatagram(gatewayHeartbeat(testGatewaySID, testToken))

	f.bridge.handleMQTTMessage(CommandTopic(testGatewaySID),
		[]byte(`{"id":"cmd-42","channel":"sound","command":"decimal","parameters":{"value":8}}`))

	ack := decodeAck(t, f.mqtt.byTopic(AckTopic(testGatewaySID)))
	if ack.CommandID != "cmd-42" || ack.Status != AckAccepted {
		t.Errorf("ack = %+v", ack)
	}
	if env := f.sender.last(t); env.Data != `{"mid":8,"vol":50,"key":"`+testSignature+`"}` {
		t.Errorf("write data = %s", env.Data)
	}
}

func TestBridge_CommandFailures(t *testing.T) {
	tests := []struct {
		name     string
		sid      string
		payload  string
		token    bool
		wantCode string
	}{
		{
			name:     "unknown device",
			sid:      "158d0009999999",
			payload:  `{"channel":"power","command":"on"}`,
			token:    true,
			wantCode: ErrCodeNotConfigured,
		},
		{
			name:     "bad parameters",
			sid:      testGatewaySID,
			payload:  `{"channel":"brightness","command":"percent","parameters":{"value":140}}`,
			token:    true,
			wantCode: ErrCodeInvalidParameters,
		},
		{
			name:     "colour out of range",
			sid:      testGatewaySID,
			payload:  `{"channel":"color","command":"hsb","parameters":{"hue":120,"saturation":250,"brightness":80}}`,
			token:    true,
			wantCode: ErrCodeInvalidParameters,
		},
		{
			name:     "unsupported channel",
			sid:      testClimaSID,
			payload:  `{"channel":"temperature","command":"decimal","parameters":{"value":20}}`,
			token:    true,
			wantCode: ErrCodeInvalidCommand,
		},
		{
			name:     "no gateway token",
			sid:      testPlugSID,
			payload:  `{"channel":"power","command":"off"}`,
			wantCode: ErrCodeGatewayError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)
			if tt.token {
				f.gateway.HandleDatagram(gatewayHeartbeat(testGatewaySID, testToken))
			}

			f.bridge.handleMQTTMessage(CommandTopic(tt.sid), []byte(tt.payload))

			ack := decodeAck(t, f.mqtt.byTopic(AckTopic(tt.sid)))
			if ack.Status != AckFailed || ack.Error == nil {
				t.Fatalf("ack = %+v, want failed", ack)
			}
			if ack.Error.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", ack.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestBridge_IgnoresBadMessages(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.handleMQTTMessage("graylogic/state", []byte(`{}`))
	f.bridge.handleMQTTMessage(CommandTopic(testPlugSID), []byte(`not json`))

	if acks := f.mqtt.byTopic(AckTopic(testPlugSID)); len(acks) != 0 {
		t.Errorf("published %d acks for unusable messages", len(acks))
	}
}

func TestBridge_ReportPublishesState(t *testing.T) {
	f := newBridgeFixture(t)
	f.gateway.SetOnline(true)

	f.gateway.HandleDatagram([]byte(`{"cmd":"report","model":"sensor_ht","sid":"` + testClimaSID + `","data":"{\"temperature\":\"2150\"}"}`))

	states := f.mqtt.byTopic(StateTopic(testClimaSID))
	if len(states) != 1 {
		t.Fatalf("published %d states, want 1", len(states))
	}
	if !states[0].retained {
		t.Error("state should be retained")
	}
	var msg StateMessage
	if err := json.Unmarshal(states[0].payload, &msg); err != nil {
		t.Fatalf("state does not decode: %v", err)
	}
	if msg.State["temperature"] != 21.5 || msg.Protocol != Protocol {
		t.Errorf("state = %+v", msg)
	}

	if len(f.telemetry.metrics) != 1 || f.telemetry.metrics[0] != (metric{testClimaSID, ChannelTemperature, 21.5}) {
		t.Errorf("metrics = %+v", f.telemetry.metrics)
	}

	dev, ok := f.bridge.Device(testClimaSID)
	if !ok || dev.Status != StatusOnline || dev.Channels["temperature"] != 21.5 {
		t.Errorf("Device() = %+v, %v", dev, ok)
	}
	want := testClimaSID + "/sensor_ht/online"
	if len(f.telemetry.statuses) != 1 || f.telemetry.statuses[0] != want {
		t.Errorf("status telemetry = %v, want [%s]", f.telemetry.statuses, want)
	}
}

func TestBridge_ReportPublishesEvent(t *testing.T) {
	f := newBridgeFixture(t)

	f.gateway.HandleDatagram([]byte(`{"cmd":"report","model":"switch","sid":"` + testButtonSID + `","data":"{\"status\":\"double_click\"}"}`))

	events := f.mqtt.byTopic(EventTopic(testButtonSID))
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	var msg EventMessage
	if err := json.Unmarshal(events[0].payload, &msg); err != nil {
		t.Fatalf("event does not decode: %v", err)
	}
	if msg.Channel != ChannelButton || msg.Event != "DOUBLE_CLICK" {
		t.Errorf("event = %+v", msg)
	}
	if len(f.mqtt.byTopic(StateTopic(testButtonSID))) != 0 {
		t.Error("trigger should not publish state")
	}
}

func TestBridge_DeviceViews(t *testing.T) {
	f := newBridgeFixture(t)

	views := f.bridge.Devices()
	want := []string{testClimaSID, testButtonSID, testPlugSID, testGatewaySID}
	if len(views) != len(want) {
		t.Fatalf("Devices() returned %d, want %d", len(views), len(want))
	}
	for i, v := range views {
		if v.ID != want[i] {
			t.Errorf("Devices()[%d] = %s, want %s", i, v.ID, want[i])
		}
		if v.Channels == nil {
			t.Errorf("Devices()[%d] has nil channels", i)
		}
	}

	gw, ok := f.bridge.Device(testGatewaySID)
	if !ok || gw.Name != "Hall gateway" || gw.Kind != KindGateway {
		t.Errorf("Device(gateway) = %+v, %v", gw, ok)
	}
	if _, ok := f.bridge.Device("158d0009999999"); ok {
		t.Error("Device() found an unconfigured sid")
	}

	managed, online := f.bridge.DeviceCounts()
	if managed != 4 || online != 0 {
		t.Errorf("DeviceCounts() = %d/%d, want 4/0", managed, online)
	}
}

func TestBridge_Healthy(t *testing.T) {
	f := newBridgeFixture(t)

	if ok, reason := f.bridge.Healthy(); ok || reason != "gateway offline" {
		t.Errorf("Healthy() = %v %q, want false gateway offline", ok, reason)
	}

	f.gateway.SetOnline(true)
	if ok, _ := f.bridge.Healthy(); !ok {
		t.Error("Healthy() = false with MQTT and gateway up")
	}

	f.mqtt.mu.Lock()
	f.mqtt.connected = false
	f.mqtt.mu.Unlock()
	if ok, reason := f.bridge.Healthy(); ok || reason != "MQTT disconnected" {
		t.Errorf("Healthy() = %v %q, want false MQTT disconnected", ok, reason)
	}
}

func TestBridge_PublishStatusRequiresID(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.PublishStatus(Device{Kind: KindSensorPlug, Status: StatusConfigError})

	f.mqtt.mu.Lock()
	n := len(f.mqtt.messages)
	f.mqtt.mu.Unlock()
	if n != 0 || len(f.telemetry.statuses) != 0 {
		t.Errorf("status without id published %d messages", n)
	}
}
