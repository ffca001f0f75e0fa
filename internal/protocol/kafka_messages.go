package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/smukkama/devicemap/internal/models"
)

// TrackData is one position report as posted by a device
type TrackData struct {
	DeviceID  int64    `json:"device_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Battery   *float64 `json:"battery,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Validate checks ranges and the RFC3339 timestamp
func (d *TrackData) Validate() error {
	if d.DeviceID <= 0 {
		return fmt.Errorf("device_id is required")
	}
	if d.Latitude < -90 || d.Latitude > 90 {
		return fmt.Errorf("latitude out of range: %v", d.Latitude)
	}
	if d.Longitude < -180 || d.Longitude > 180 {
		return fmt.Errorf("longitude out of range: %v", d.Longitude)
	}
	if d.Accuracy != nil && *d.Accuracy < 0 {
		return fmt.Errorf("accuracy must not be negative")
	}
	if d.Battery != nil && (*d.Battery < 0 || *d.Battery > 100) {
		return fmt.Errorf("battery out of range: %v", *d.Battery)
	}
	if d.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if _, err := time.Parse(time.RFC3339, d.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp format (must be RFC3339): %w", err)
	}
	return nil
}

// Location converts the report into a location row to insert
func (d *TrackData) Location() (models.Location, error) {
	ts, err := time.Parse(time.RFC3339, d.Timestamp)
	if err != nil {
		return models.Location{}, err
	}
	return models.Location{
		DeviceID:  d.DeviceID,
		Latitude:  d.Latitude,
		Longitude: d.Longitude,
		Accuracy:  d.Accuracy,
		Altitude:  d.Altitude,
		Battery:   d.Battery,
		CreatedAt: &ts,
	}, nil
}

// LocationMessage is the raw topic format, keyed by device ID
type LocationMessage struct {
	ReceivedAt time.Time `json:"received_at"`
	Data       TrackData `json:"data"`
}

// Key partitions raw reports by device so one device stays ordered
func (m *LocationMessage) Key() string {
	return DeviceKey(m.Data.DeviceID)
}

// DeviceKey is the message key used for a device on every topic
func DeviceKey(deviceID int64) string {
	return strconv.FormatInt(deviceID, 10)
}

// ChangeMessage announces that stored data of a device changed
type ChangeMessage struct {
	Type     string    `json:"type"`
	DeviceID int64     `json:"device_id"`
	Count    int       `json:"count"`
	At       time.Time `json:"at"`
}

const (
	ChangeTypeLocationsAdded = "LOCATIONS_ADDED"
	ChangeTypeDeviceUpdated  = "DEVICE_UPDATED"
)

// EncodeLocationMessage encodes a raw report for Kafka
func EncodeLocationMessage(msg *LocationMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeLocationMessage decodes a raw report from Kafka
func DecodeLocationMessage(data []byte) (*LocationMessage, error) {
	var msg LocationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeChangeMessage encodes a change notice for Kafka
func EncodeChangeMessage(msg *ChangeMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeChangeMessage decodes a change notice from Kafka
func DecodeChangeMessage(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.DeviceID <= 0 {
		return nil, fmt.Errorf("change message without device_id")
	}
	return &msg, nil
}
