// Package mqtt connects the Mi Home bridge to the Gray Logic MQTT broker.
//
// Gray Logic uses MQTT as the bus between Core and its protocol bridges.
// This bridge publishes device state, events, statuses and health on it
// and receives channel commands from it:
//
//	Gray Logic Core ↔ MQTT Broker ↔ Mi Home Bridge ↔ Gateway (UDP)
//
// The client reconnects with exponential backoff and replays its
// subscriptions afterwards. It keeps a retained connection status under
// graylogic/system/status/{client_id}, which the broker flips to offline
// through the Last Will unless the caller supplies its own will.
//
// Use TLS (cfg.Broker.TLS) outside local development; credentials are
// checked against the broker ACL.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(mqtt.Will{
//	    Topic: "graylogic/health/mihome", Payload: lwt, QoS: 1, Retained: true,
//	}))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("graylogic/command/mihome/+", 1,
//	    func(topic string, payload []byte) error {
//	        return handleCommand(topic, payload)
//	    })
package mqtt
