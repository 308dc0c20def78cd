// Package influxdb records Mi Home telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Data
//
// Two measurements are written:
//   - mihome_channel: numeric channel readings tagged by device_id and channel
//   - mihome_status: device status transitions tagged by device_id and kind
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDeviceMetric("158d0001a2b3c4", "temperature", 21.5)
//
// # Thread Safety
//
// All methods are safe for concurrent use. Async write errors are delivered
// to the callback set with SetOnError.
package influxdb
