package mqtt

import (
	"encoding/json"
	"time"
)

// systemStatusPrefix is where every client announces its connection state.
const systemStatusPrefix = "graylogic/system/status/"

// Reasons carried by offline status messages.
const (
	reasonUnexpected = "unexpected_disconnect"
	reasonGraceful   = "graceful_shutdown"
)

// statusMessage is the retained connection status of one MQTT client.
// The broker publishes the offline variant as the default Last Will.
type statusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// systemStatusTopic returns the retained status topic of clientID.
func systemStatusTopic(clientID string) string {
	return systemStatusPrefix + clientID
}

// statusPayload encodes a status message stamped with the current time.
// An empty reason marks the client online.
func statusPayload(clientID, reason string) []byte {
	msg := statusMessage{
		Status:    "online",
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		msg.Status = "offline"
	}
	// Only string fields, so encoding cannot fail.
	payload, _ := json.Marshal(msg)
	return payload
}
