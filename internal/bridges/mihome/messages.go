package mihome

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "mihome"

// CommandMessage is sent from Core to the bridge to drive a device channel.
// Topic: graylogic/command/mihome/{sid}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. The bridge
	// assigns one when Core leaves it empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the target sid. Filled from the topic when empty.
	DeviceID string `json:"device_id"`

	// Channel is the device channel (e.g., "brightness", "sound").
	Channel string `json:"channel"`

	// Command is one of "refresh", "on", "off", "percent", "hsb", "decimal".
	Command string `json:"command"`

	// Parameters holds command values:
	//   {"value": 50} for percent and decimal
	//   {"hue": 120, "saturation": 100, "brightness": 80} for hsb
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// Command names accepted in CommandMessage.Command.
const (
	CommandRefresh = "refresh"
	CommandOn      = "on"
	CommandOff     = "off"
	CommandPercent = "percent"
	CommandHSB     = "hsb"
	CommandDecimal = "decimal"
)

// MarshalJSON marshals a CommandMessage to JSON.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage from JSON. The timestamp is
// optional.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// State converts the command into a channel state.
func (m *CommandMessage) State() (State, error) {
	switch m.Command {
	case CommandRefresh:
		return Refresh, nil
	case CommandOn:
		return On, nil
	case CommandOff:
		return Off, nil
	case CommandPercent:
		v, err := m.number("value")
		if err != nil {
			return nil, err
		}
		if v < 0 || v > 100 {
			return nil, fmt.Errorf("percent value %v out of range", v)
		}
		return PercentType(v), nil
	case CommandDecimal:
		v, err := m.number("value")
		if err != nil {
			return nil, err
		}
		return DecimalType(v), nil
	case CommandHSB:
		var hsb HSBType
		var err error
		if hsb.Hue, err = m.number("hue"); err != nil {
			return nil, err
		}
		if hsb.Saturation, err = m.number("saturation"); err != nil {
			return nil, err
		}
		if hsb.Brightness, err = m.number("brightness"); err != nil {
			return nil, err
		}
		if hsb.Hue < 0 || hsb.Hue > 360 {
			return nil, fmt.Errorf("hue %v out of range", hsb.Hue)
		}
		if hsb.Saturation < 0 || hsb.Saturation > 100 {
			return nil, fmt.Errorf("saturation %v out of range", hsb.Saturation)
		}
		if hsb.Brightness < 0 || hsb.Brightness > 100 {
			return nil, fmt.Errorf("brightness %v out of range", hsb.Brightness)
		}
		return hsb, nil
	default:
		return nil, fmt.Errorf("unknown command %q", m.Command)
	}
}

func (m *CommandMessage) number(key string) (float64, error) {
	raw, ok := m.Parameters[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("parameter %q must be a number", key)
	}
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was applied or sent to the gateway.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/mihome/{sid}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Channel   string    `json:"channel,omitempty"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeGatewayError      = "GATEWAY_ERROR"
)

// StateMessage carries a device's full channel state.
// Topic: graylogic/state/mihome/{sid}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol"`
}

// EventMessage carries a trigger channel event.
// Topic: graylogic/event/mihome/{sid}
type EventMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
	Event     string    `json:"event"`
	Protocol  string    `json:"protocol"`
}

// DeviceStatusMessage carries a device session status change.
// Topic: graylogic/status/mihome/{sid}
// QoS: 1, Retained: Yes
type DeviceStatusMessage struct {
	Device
	Timestamp time.Time `json:"timestamp"`
	Protocol  string    `json:"protocol"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/mihome
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string       `json:"bridge"`
	Timestamp      time.Time    `json:"timestamp"`
	Status         HealthStatus `json:"status"`
	Version        string       `json:"version"`
	UptimeSeconds  int64        `json:"uptime_seconds"`
	GatewaySID     string       `json:"gateway_sid,omitempty"`
	DevicesManaged int          `json:"devices_managed"`
	DevicesOnline  int          `json:"devices_online"`
	Reason         string       `json:"reason,omitempty"`
}

// NewAckMessage creates an acknowledgment for cmd.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Channel:   cmd.Channel,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates a failed acknowledgment with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewLWTMessage creates the Last Will and Testament published by the
// broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the topic commands for sid arrive on.
// Example: graylogic/command/mihome/158d0001a2b3c4
func CommandTopic(sid string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, sid)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// AckTopic returns the topic acknowledgments for sid are sent on.
func AckTopic(sid string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, sid)
}

// StateTopic returns the retained state topic for sid.
func StateTopic(sid string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, sid)
}

// EventTopic returns the trigger event topic for sid.
func EventTopic(sid string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, Protocol, sid)
}

// StatusTopic returns the retained status topic for sid.
func StatusTopic(sid string) string {
	return fmt.Sprintf("%s/status/%s/%s", TopicPrefix, Protocol, sid)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}
