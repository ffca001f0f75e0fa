package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType represents the type of a websocket message
type MessageType string

const (
	// Client to Server
	MsgTypeSubscribe MessageType = "subscribe"
	MsgTypeKeepalive MessageType = "keepalive"

	// Server to Client
	MsgTypeAck        MessageType = "ack"
	MsgTypeInvalidate MessageType = "invalidate"
	MsgTypeViewport   MessageType = "viewport"
)

// OverviewDeviceID is the subscription key of the all-devices map
const OverviewDeviceID int64 = 0

// BaseMessage is the common structure for all messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// SubscribeMessage asks for change notifications of one device, or of every
// visible device when DeviceID is 0. SessionID optionally ties the socket to a
// map session so throttled viewport updates can be announced.
type SubscribeMessage struct {
	Type      MessageType `json:"type"`
	DeviceID  int64       `json:"device_id"`
	SessionID string      `json:"session_id,omitempty"`
}

// KeepaliveMessage keeps an idle subscription open
type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

// AckMessage is sent by the server in response to client messages
type AckMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

const (
	AckStatusSubscribed = "subscribed"
	AckStatusAlive      = "alive"
	AckStatusError      = "error"
)

// InvalidateMessage tells the client that cached data of a device is stale
type InvalidateMessage struct {
	Type     MessageType `json:"type"`
	DeviceID int64       `json:"device_id"`
}

// ViewportMessage tells the client that a throttled viewport update landed
// and markers should be fetched again.
type ViewportMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// ParseMessage parses a client websocket frame into its message type
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeSubscribe:
		var msg SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid subscribe message: %w", err)
		}
		if msg.DeviceID < 0 {
			return nil, fmt.Errorf("device_id must not be negative")
		}
		return &msg, nil

	case MsgTypeKeepalive:
		return &KeepaliveMessage{Type: MsgTypeKeepalive}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

// NewAckMessage creates an acknowledgment message
func NewAckMessage(status string) *AckMessage {
	return &AckMessage{Type: MsgTypeAck, Status: status}
}

// NewInvalidateMessage tells subscribers a device has new data
func NewInvalidateMessage(deviceID int64) *InvalidateMessage {
	return &InvalidateMessage{Type: MsgTypeInvalidate, DeviceID: deviceID}
}

// NewViewportMessage tells a session its deferred viewport update landed
func NewViewportMessage(sessionID string) *ViewportMessage {
	return &ViewportMessage{Type: MsgTypeViewport, SessionID: sessionID}
}
