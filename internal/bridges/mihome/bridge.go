package mihome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a command topic.
	minTopicParts = 4

	// defaultStatusInterval is used when no status sweep interval is set.
	defaultStatusInterval = time.Minute
)

// Logger is the structured logging interface used throughout the package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// Link is the network side of the gateway connection.
type Link interface {
	Start() error
	Stop() error
}

// TelemetryWriter records numeric channel values and status transitions.
type TelemetryWriter interface {
	WriteDeviceMetric(deviceID string, measurement string, value float64)
	WriteDeviceStatus(deviceID string, kind string, status string)
}

// DeviceView is a device snapshot with its channel values.
type DeviceView struct {
	Device
	Channels map[string]any `json:"channels"`
}

// device pairs a session with the channel store it drives.
type device struct {
	session  *Session
	channels *ChannelStore
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge configuration.
	Config *Config

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Gateway is the gateway session devices bind to.
	Gateway *GatewaySession

	// Link is the gateway transport. Optional; without it the gateway
	// stays offline.
	Link Link

	// Telemetry records numeric channel values. Optional.
	Telemetry TelemetryWriter

	// Version is reported in health messages.
	Version string

	// Logger is optional structured logger.
	Logger Logger
}

// Bridge connects a Mi Home gateway to Gray Logic over MQTT. It:
//   - Receives channel commands via MQTT and drives device sessions
//   - Publishes channel state, trigger events and device status to MQTT
//   - Records numeric channel values as telemetry
//   - Reports its own health
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       *Config
	mqtt      MQTTClient
	gateway   *GatewaySession
	link      Link
	telemetry TelemetryWriter
	health    *HealthReporter

	devices   map[string]*device
	devicesMu sync.RWMutex

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// NewBridge creates a bridge with one session per configured device.
// Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	b := &Bridge{
		cfg:       opts.Config,
		mqtt:      opts.MQTTClient,
		gateway:   opts.Gateway,
		link:      opts.Link,
		telemetry: opts.Telemetry,
		devices:   make(map[string]*device),
		done:      make(chan struct{}),
		logger:    opts.Logger,
	}

	for _, dc := range opts.Config.Devices {
		if err := b.addDevice(dc); err != nil {
			return nil, err
		}
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.Bridge.ID,
		Version:   opts.Version,
		Interval:  opts.Config.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Gateway:   b.gatewayStatus(),
		Devices:   b,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

func (b *Bridge) addDevice(dc DeviceConfig) error {
	kind, err := ParseKind(dc.Kind)
	if err != nil {
		return fmt.Errorf("device %s: %w", dc.SID, err)
	}

	store := NewChannelStore(dc.SID, kind, b)
	session, err := NewSession(SessionOptions{
		ID:        dc.SID,
		Kind:      kind,
		Name:      dc.Name,
		Resolve:   b.resolveGateway,
		Channels:  store,
		Publisher: b,
		Logger:    b.getLogger(),
	})
	if err != nil {
		return fmt.Errorf("device %s: %w", dc.SID, err)
	}
	if _, err := session.Bind(); err != nil {
		b.getLogger().Warn("device not bound to gateway", "sid", dc.SID, "error", err)
	}

	b.devicesMu.Lock()
	b.devices[dc.SID] = &device{session: session, channels: store}
	b.devicesMu.Unlock()
	return nil
}

// resolveGateway hands sessions their gateway. It returns an untyped nil
// when no gateway is configured so sessions report a registration error.
func (b *Bridge) resolveGateway() any {
	if b.gateway == nil {
		return nil
	}
	return b.gateway
}

func (b *Bridge) gatewayStatus() GatewayStatus {
	if b.gateway == nil {
		return nil
	}
	return b.gateway
}

// Start subscribes to commands, opens the gateway link, initialises every
// device session and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	if b.link != nil {
		if err := b.link.Start(); err != nil {
			return fmt.Errorf("start gateway link: %w", err)
		}
		if b.gateway != nil {
			b.gateway.SetOnline(true)
		}
	}

	for _, d := range b.deviceList() {
		d.session.Initialize()
	}

	b.health.Start(ctx)

	b.wg.Add(1)
	go b.statusLoop(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"devices", len(b.deviceList()))

	return nil
}

// Stop shuts the bridge down. Device statuses are re-evaluated with the
// gateway offline before the sessions are disposed.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.health.Stop()

		if b.gateway != nil {
			b.gateway.SetOnline(false)
		}
		for _, d := range b.deviceList() {
			d.session.RefreshStatus()
			d.session.Dispose()
		}

		if b.link != nil {
			if err := b.link.Stop(); err != nil {
				b.logError("failed to stop gateway link", err)
			}
		}

		b.logInfo("bridge stopped")
	})
}

// statusLoop periodically re-evaluates device statuses so silent devices
// drop to offline once their activity window lapses.
func (b *Bridge) statusLoop(ctx context.Context) {
	defer b.wg.Done()

	interval := b.cfg.GetStatusInterval()
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			for _, d := range b.deviceList() {
				d.session.RefreshStatus()
			}
		}
	}
}

// handleMQTTMessage routes commands received on graylogic/command/mihome/{sid}.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts || parts[1] != "command" {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}
	sid := parts[len(parts)-1]

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = sid
	}

	b.logInfo("received command",
		"id", cmd.ID,
		"device", cmd.DeviceID,
		"channel", cmd.Channel,
		"command", cmd.Command)

	if err := b.ExecuteCommand(cmd); err != nil {
		b.publishAck(NewAckError(cmd, errorCode(err), err.Error()))
		b.logError("command failed", err)
		return
	}
	b.publishAck(NewAckMessage(cmd, AckAccepted))
}

// commandError tags command failures with an acknowledgment code.
type commandError struct {
	code string
	err  error
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

func errorCode(err error) string {
	var ce *commandError
	if errors.As(err, &ce) {
		return ce.code
	}
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrUnsupportedCommand):
		return ErrCodeInvalidCommand
	default:
		return ErrCodeGatewayError
	}
}

// ExecuteCommand applies cmd to its device session.
func (b *Bridge) ExecuteCommand(cmd CommandMessage) error {
	d, ok := b.lookup(cmd.DeviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, cmd.DeviceID)
	}

	state, err := cmd.State()
	if err != nil {
		return &commandError{code: ErrCodeInvalidParameters, err: err}
	}

	return d.session.HandleCommand(cmd.Channel, state)
}

func (b *Bridge) publishAck(ack AckMessage) {
	data, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(ack.DeviceID), data, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// StateChanged publishes the device's channel state and records numeric
// values as telemetry.
func (b *Bridge) StateChanged(deviceID string, kind Kind, channel string, state State, values map[string]any) {
	msg := StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     values,
		Protocol:  Protocol,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}
	if err := b.mqtt.Publish(StateTopic(deviceID), data, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}

	if b.telemetry != nil {
		if v, ok := NumericValue(state); ok {
			b.telemetry.WriteDeviceMetric(deviceID, channel, v)
		}
	}
	b.logDebug("channel updated", "device", deviceID, "kind", kind, "channel", channel, "state", state.Value())
}

// Triggered publishes a trigger channel event.
func (b *Bridge) Triggered(deviceID, channel, event string) {
	msg := EventMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Event:     event,
		Protocol:  Protocol,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal event", err)
		return
	}
	if err := b.mqtt.Publish(EventTopic(deviceID), data, 1, false); err != nil {
		b.logError("failed to publish event", err)
	}
}

// PublishStatus publishes a device status change.
func (b *Bridge) PublishStatus(dev Device) {
	if dev.ID == "" {
		return
	}
	msg := DeviceStatusMessage{
		Device:    dev,
		Timestamp: time.Now().UTC(),
		Protocol:  Protocol,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal status", err)
		return
	}
	if err := b.mqtt.Publish(StatusTopic(dev.ID), data, 1, true); err != nil {
		b.logError("failed to publish status", err)
	}
	if b.telemetry != nil {
		b.telemetry.WriteDeviceStatus(dev.ID, string(dev.Kind), string(dev.Status))
	}
}

// Devices returns a view of every device, sorted by sid.
func (b *Bridge) Devices() []DeviceView {
	list := b.deviceList()
	views := make([]DeviceView, 0, len(list))
	for _, d := range list {
		views = append(views, d.view())
	}
	slices.SortFunc(views, func(a, c DeviceView) int { return strings.Compare(a.ID, c.ID) })
	return views
}

// Device returns the view of one device.
func (b *Bridge) Device(sid string) (DeviceView, bool) {
	d, ok := b.lookup(sid)
	if !ok {
		return DeviceView{}, false
	}
	return d.view(), true
}

// DeviceCounts returns the number of managed and online devices.
func (b *Bridge) DeviceCounts() (managed, online int) {
	list := b.deviceList()
	for _, d := range list {
		if d.session.Status() == StatusOnline {
			online++
		}
	}
	return len(list), online
}

// Healthy reports whether MQTT is connected and the gateway is online.
func (b *Bridge) Healthy() (bool, string) {
	status, reason := b.health.determineStatus()
	return status == HealthHealthy, reason
}

func (d *device) view() DeviceView {
	return DeviceView{
		Device:   d.session.Snapshot(),
		Channels: d.channels.Values(),
	}
}

func (b *Bridge) lookup(sid string) (*device, bool) {
	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()
	d, ok := b.devices[sid]
	return d, ok
}

func (b *Bridge) deviceList() []*device {
	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()
	list := make([]*device, 0, len(b.devices))
	for _, d := range b.devices {
		list = append(list, d)
	}
	return list
}

func (b *Bridge) getLogger() Logger {
	if b.logger == nil {
		return nopLogger{}
	}
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.getLogger().Info(msg, keysAndValues...)
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.getLogger().Error(msg, "error", err)
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.getLogger().Debug(msg, keysAndValues...)
}
