package mihome

import (
	"maps"
	"sync"
)

// ChannelSink receives channel activity for one bridge.
type ChannelSink interface {
	// StateChanged is called after a channel takes a new state. values is
	// a snapshot of every channel of the device.
	StateChanged(deviceID string, kind Kind, channel string, state State, values map[string]any)

	// Triggered is called when a trigger channel fires.
	Triggered(deviceID, channel, event string)
}

// ChannelStore holds the current channel states of one device and
// forwards changes to a sink.
//
// Thread Safety: All methods are safe for concurrent use. The sink is
// called without the store lock held.
type ChannelStore struct {
	deviceID string
	kind     Kind
	sink     ChannelSink

	mu     sync.RWMutex
	states map[string]State
}

// NewChannelStore creates an empty store. sink may be nil.
func NewChannelStore(deviceID string, kind Kind, sink ChannelSink) *ChannelStore {
	return &ChannelStore{
		deviceID: deviceID,
		kind:     kind,
		sink:     sink,
		states:   make(map[string]State),
	}
}

// State returns the current state of channel.
func (c *ChannelStore) State(channel string) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[channel]
	return st, ok
}

// UpdateState records state and notifies the sink.
func (c *ChannelStore) UpdateState(channel string, state State) {
	c.mu.Lock()
	c.states[channel] = state
	values := c.valuesLocked()
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.StateChanged(c.deviceID, c.kind, channel, state, values)
	}
}

// TriggerChannel notifies the sink of an event. Triggers are not stored.
func (c *ChannelStore) TriggerChannel(channel, event string) {
	if c.sink != nil {
		c.sink.Triggered(c.deviceID, channel, event)
	}
}

// Values returns every channel rendered as JSON-friendly values.
func (c *ChannelStore) Values() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valuesLocked()
}

// States returns a copy of the raw channel states.
func (c *ChannelStore) States() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.states)
}

func (c *ChannelStore) valuesLocked() map[string]any {
	values := make(map[string]any, len(c.states))
	for ch, st := range c.states {
		values[ch] = st.Value()
	}
	return values
}

// NumericValue renders a state as a number for telemetry. Text and
// colour states have no numeric form.
func NumericValue(state State) (float64, bool) {
	switch v := state.(type) {
	case PercentType:
		return float64(v), true
	case DecimalType:
		return float64(v), true
	case OnOffType:
		if v {
			return 1, true
		}
		return 0, true
	case OpenClosedType:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
