package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	// MeasurementChannel holds numeric channel readings (temperature,
	// humidity, load_power, voltage, ...).
	MeasurementChannel = "mihome_channel"

	// MeasurementStatus holds device status transitions.
	MeasurementStatus = "mihome_status"
)

// WriteDeviceMetric records a numeric channel reading for a device.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Calls on a disconnected client are dropped.
//
// Example:
//
//	client.WriteDeviceMetric("158d0001a2b3c4", "temperature", 21.5)
func (c *Client) WriteDeviceMetric(deviceID string, measurement string, value float64) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(channelPoint(deviceID, measurement, value, time.Now()))
}

// WriteDeviceStatus records a device status transition. The online field
// is 1 for "online" and 0 for every other status so dashboards can graph
// availability directly.
func (c *Client) WriteDeviceStatus(deviceID string, kind string, status string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(statusPoint(deviceID, kind, status, time.Now()))
}

func channelPoint(deviceID, channel string, value float64, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementChannel,
		map[string]string{
			"device_id": deviceID,
			"channel":   channel,
		},
		map[string]any{
			"value": value,
		},
		ts,
	)
}

func statusPoint(deviceID, kind, status string, ts time.Time) *write.Point {
	online := 0
	if status == "online" {
		online = 1
	}
	return write.NewPoint(
		MeasurementStatus,
		map[string]string{
			"device_id": deviceID,
			"kind":      kind,
		},
		map[string]any{
			"status": status,
			"online": online,
		},
		ts,
	)
}
