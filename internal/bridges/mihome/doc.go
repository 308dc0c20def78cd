// Package mihome implements the Xiaomi Mi Home gateway bridge for Gray Logic.
//
// The gateway relays JSON reports and heartbeats from its battery-powered
// peripherals over UDP. This package keeps one session per configured
// peripheral, tracks its online status, maps reports to channel state and
// maps channel commands back to encrypted gateway writes.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   UDP    ┌─────────┐
//	│   Gray Logic    │   MQTT   │  Mi Home Bridge │◄────────►│ Gateway │◄──► Zigbee sensors
//	│      Core       │◄────────►│   (this pkg)    │          └─────────┘
//	└─────────────────┘          └─────────────────┘
//
// # Layers
//
//   - crypto.go: AES-CBC (no padding) of the gateway token, rendered as hex
//   - report.go: envelope parsing and command routing (report, heartbeat, read_ack)
//   - session.go: per-device status state machine and bridge binding
//   - behavior.go, gateway_light.go, sensors.go: per-kind command/report mapping
//   - gateway.go, transport.go: gateway session and UDP socket
//   - bridge.go: MQTT command intake, channel state and status publishing
//
// # Online Status
//
// A device is online when the gateway session is online and the device has
// produced traffic within OnlineTimeout (two hours). Status changes are
// published only when the computed value differs from the last published one.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package mihome
