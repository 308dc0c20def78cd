package mihome

import (
	"fmt"
	"strings"
)

// Kind identifies the type of a Mi Home device.
type Kind string

// Supported device kinds. Values match the gateway's "model" field.
const (
	KindGateway      Kind = "gateway"
	KindSensorHT     Kind = "sensor_ht"
	KindSensorMotion Kind = "motion"
	KindSensorSwitch Kind = "switch"
	KindSensorMagnet Kind = "magnet"
	KindSensorPlug   Kind = "plug"
	KindSensorCube   Kind = "cube"
)

// Behavior maps commands and reports for one device kind.
//
// Implementations are stateless; current channel values are read through
// the StateReader so the same behaviour serves every device of its kind.
type Behavior interface {
	// Execute maps a channel command to gateway writes and local updates.
	// Unmapped combinations return ErrUnsupportedCommand and no effects.
	Execute(channel string, cmd State, states StateReader) (Effects, error)

	// ParseReport maps a report payload to channel updates and triggers.
	// Unknown keys are ignored.
	ParseReport(data Payload) (Effects, error)
}

// behaviors is the dispatch table keyed by device kind.
var behaviors = map[Kind]Behavior{
	KindGateway:      gatewayBehavior{},
	KindSensorHT:     temperatureHumidityBehavior{},
	KindSensorMotion: motionBehavior{},
	KindSensorSwitch: switchBehavior{},
	KindSensorMagnet: magnetBehavior{},
	KindSensorPlug:   plugBehavior{},
	KindSensorCube:   cubeBehavior{},
}

// BehaviorFor returns the behaviour for kind.
func BehaviorFor(kind Kind) (Behavior, bool) {
	b, ok := behaviors[kind]
	return b, ok
}

// Kinds returns every supported device kind.
func Kinds() []Kind {
	return []Kind{
		KindGateway,
		KindSensorHT,
		KindSensorMotion,
		KindSensorSwitch,
		KindSensorMagnet,
		KindSensorPlug,
		KindSensorCube,
	}
}

// ParseKind validates a kind string. The "sensor_" prefix used by some
// configurations is accepted for the binary sensors.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := behaviors[k]; ok {
		return k, nil
	}
	if trimmed := Kind(strings.TrimPrefix(string(k), "sensor_")); trimmed != k {
		if _, ok := behaviors[trimmed]; ok {
			return trimmed, nil
		}
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// unsupported builds the error for an unmapped channel/command pair.
func unsupported(channel string, cmd State) error {
	typ := "<nil>"
	if cmd != nil {
		typ = cmd.Type()
	}
	return fmt.Errorf("%w: %s command on channel %s", ErrUnsupportedCommand, typ, channel)
}

// readOnly rejects every command. Embedded by sensors without actuators.
type readOnly struct{}

func (readOnly) Execute(channel string, cmd State, _ StateReader) (Effects, error) {
	return Effects{}, unsupported(channel, cmd)
}
