package mihome

import (
	"encoding/json"
	"fmt"
)

// Gateway message commands.
const (
	CmdReport    = "report"
	CmdHeartbeat = "heartbeat"
	CmdReadAck   = "read_ack"
	CmdWriteAck  = "write_ack"
	CmdWrite     = "write"
	CmdRead      = "read"
	CmdWhois     = "whois"
	CmdIam       = "iam"
)

// lowBatteryMillivolts is the voltage below which a battery is reported low.
const lowBatteryMillivolts = 2800

// Envelope is one JSON datagram exchanged with the gateway.
// Data holds a JSON object encoded as a string.
type Envelope struct {
	Cmd     string `json:"cmd"`
	Model   string `json:"model,omitempty"`
	SID     string `json:"sid,omitempty"`
	ShortID any    `json:"short_id,omitempty"`
	Token   string `json:"token,omitempty"`
	IP      string `json:"ip,omitempty"`
	Port    string `json:"port,omitempty"`
	Data    string `json:"data,omitempty"`
}

// ParseEnvelope decodes a gateway datagram. Older firmware and some tools
// use "command" instead of "cmd"; both are accepted.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var wire struct {
		Envelope
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	env := wire.Envelope
	if env.Cmd == "" {
		env.Cmd = wire.Command
	}
	if env.Cmd == "" {
		return Envelope{}, fmt.Errorf("%w: missing cmd", ErrMalformedPayload)
	}
	return env, nil
}

// Report is a parsed inbound update for a single device.
type Report struct {
	Command string
	Data    Payload
}

// RouteReport maps an inbound report to effects for a device of the given
// behaviour. The second result is false for commands the device does not
// understand; no effects are produced for those.
func RouteReport(b Behavior, r Report) (Effects, bool, error) {
	switch r.Command {
	case CmdReport, CmdWriteAck:
		fx, err := b.ParseReport(r.Data)
		return fx, true, err

	case CmdHeartbeat, CmdReadAck:
		var fx Effects
		voltage, ok, err := r.Data.Int("voltage")
		if err != nil {
			return Effects{}, true, err
		}
		if ok {
			fx.update(ChannelVoltage, DecimalType(voltage))
			if voltage < lowBatteryMillivolts {
				fx.trigger(ChannelBatteryLow, "LOW")
			}
		}
		return fx, true, nil

	default:
		return Effects{}, false, nil
	}
}
