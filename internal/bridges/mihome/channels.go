package mihome

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Channel identifiers. A channel is a named point of state on a device.
const (
	ChannelVoltage    = "voltage"
	ChannelBatteryLow = "battery_low"

	// Gateway light and sound.
	ChannelBrightness       = "brightness"
	ChannelColor            = "color"
	ChannelColorTemperature = "color_temperature"
	ChannelSound            = "sound"
	ChannelSoundSwitch      = "sound_switch"
	ChannelVolume           = "volume"
	ChannelIllumination     = "illumination"

	// Sensors.
	ChannelTemperature   = "temperature"
	ChannelHumidity      = "humidity"
	ChannelMotion        = "motion"
	ChannelButton        = "button"
	ChannelIsOpen        = "is_open"
	ChannelOpenAlarm     = "open_alarm"
	ChannelPower         = "power"
	ChannelInUse         = "in_use"
	ChannelLoadPower     = "load_power"
	ChannelPowerConsumed = "power_consumed"
	ChannelAction        = "action"
	ChannelRotation      = "rotation"
)

// State is a typed channel value. The set of implementations is closed.
type State interface {
	// Type names the state kind on the wire ("percent", "onoff", ...).
	Type() string

	// Value returns a JSON-friendly rendering of the state.
	Value() any
}

// PercentType is a percentage in the range 0-100.
type PercentType float64

// OnOffType is a binary switch state.
type OnOffType bool

// On and Off are the two OnOffType values.
const (
	On  OnOffType = true
	Off OnOffType = false
)

// DecimalType is a plain number.
type DecimalType float64

// OpenClosedType is a contact state.
type OpenClosedType bool

// Open and Closed are the two OpenClosedType values.
const (
	Open   OpenClosedType = true
	Closed OpenClosedType = false
)

// StringType is free text.
type StringType string

// HSBType is a colour in hue (0-360), saturation (0-100) and brightness (0-100).
type HSBType struct {
	Hue        float64 `json:"hue"`
	Saturation float64 `json:"saturation"`
	Brightness float64 `json:"brightness"`
}

// RefreshType asks a channel to re-read its state. It is a command only.
type RefreshType struct{}

// Refresh is the single RefreshType value.
var Refresh = RefreshType{}

func (PercentType) Type() string    { return "percent" }
func (OnOffType) Type() string      { return "onoff" }
func (DecimalType) Type() string    { return "decimal" }
func (OpenClosedType) Type() string { return "openclosed" }
func (StringType) Type() string     { return "string" }
func (HSBType) Type() string        { return "hsb" }
func (RefreshType) Type() string    { return "refresh" }

func (p PercentType) Value() any { return float64(p) }
func (d DecimalType) Value() any { return float64(d) }
func (s StringType) Value() any  { return string(s) }
func (h HSBType) Value() any     { return h }
func (RefreshType) Value() any   { return nil }

func (o OnOffType) Value() any {
	if o {
		return "ON"
	}
	return "OFF"
}

func (o OpenClosedType) Value() any {
	if o {
		return "OPEN"
	}
	return "CLOSED"
}

// ChannelValue is an observable (channel, state) pair.
type ChannelValue struct {
	Channel string
	State   State
}

// Trigger is an edge event fired on a trigger channel.
type Trigger struct {
	Channel string
	Event   string
}

// WriteTarget selects who receives a gateway write.
type WriteTarget int

const (
	// TargetGateway addresses the gateway itself (light, ringtone).
	TargetGateway WriteTarget = iota

	// TargetDevice addresses the peripheral that produced the command.
	TargetDevice
)

// Write is a gateway-level instruction: parallel keys and values sent in a
// single write.
type Write struct {
	Target WriteTarget
	Keys   []string
	Values []any
}

// Effects collects everything a behaviour wants to happen as a result of a
// command or report. Effects are applied in order: writes, updates, triggers.
type Effects struct {
	Writes   []Write
	Updates  []ChannelValue
	Triggers []Trigger
}

// IsEmpty reports whether the effects do nothing.
func (e Effects) IsEmpty() bool {
	return len(e.Writes) == 0 && len(e.Updates) == 0 && len(e.Triggers) == 0
}

func (e *Effects) update(channel string, state State) {
	e.Updates = append(e.Updates, ChannelValue{Channel: channel, State: state})
}

func (e *Effects) trigger(channel, event string) {
	e.Triggers = append(e.Triggers, Trigger{Channel: channel, Event: event})
}

func (e *Effects) write(target WriteTarget, keys []string, values []any) {
	e.Writes = append(e.Writes, Write{Target: target, Keys: keys, Values: values})
}

// StateReader reads the current state of a channel.
type StateReader interface {
	State(channel string) (State, bool)
}

// Channels is the host-facing channel surface of one device.
type Channels interface {
	StateReader

	// UpdateState records and publishes a new channel state.
	UpdateState(channel string, state State)

	// TriggerChannel fires an event on a trigger channel.
	TriggerChannel(channel, event string)
}

// Payload is the decoded nested data object of a gateway message.
// Values stay raw because the gateway sends numbers both bare and quoted.
type Payload map[string]json.RawMessage

// ParsePayload decodes a JSON object string into a Payload. Empty data is
// malformed.
func ParsePayload(data string) (Payload, error) {
	if data == "" {
		return nil, fmt.Errorf("%w: empty data", ErrMalformedPayload)
	}
	var p Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: data is not an object", ErrMalformedPayload)
	}
	return p, nil
}

// Has reports whether key is present.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Text returns the value of key as text. Bare numbers are returned in
// their JSON form.
func (p Payload) Text(key string) (string, bool, error) {
	raw, ok := p[key]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true, nil
	}
	return "", true, fmt.Errorf("%w: %s is not a string", ErrMalformedPayload, key)
}

// Int returns the value of key as an integer. Quoted integers are accepted.
func (p Payload) Int(key string) (int64, bool, error) {
	s, ok, err := p.Text(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s=%q is not an integer", ErrMalformedPayload, key, s)
	}
	return v, true, nil
}

// Float returns the value of key as a float. Quoted numbers are accepted.
func (p Payload) Float(key string) (float64, bool, error) {
	s, ok, err := p.Text(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s=%q is not a number", ErrMalformedPayload, key, s)
	}
	return v, true, nil
}
