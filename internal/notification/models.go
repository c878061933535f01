// Package notification holds the canonical notification record, the raw wire
// record it is normalized from, and the display helpers shared by every surface.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Type constants mirror the backend's notification categories.
const (
	TypeMaintenance = "MAINTENANCE"
	TypeAlert       = "ALERT"
	TypeInfo        = "INFO"
	TypeWarning     = "WARNING"
)

// Notification is one event delivered to the signed-in user.
type Notification struct {
	ID        string    `json:"id"`
	AltID     string    `json:"_id,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Receiver  string    `json:"receiver,omitempty"`
	Type      string    `json:"type,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	BusNumber string    `json:"busNumber,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
	IsRead    bool      `json:"isRead"`
}

// Matches reports whether id names this notification under either id field.
func (n Notification) Matches(id string) bool {
	if id == "" {
		return false
	}
	return n.ID == id || n.AltID == id
}

// Raw is a notification exactly as it arrives from the push channel or the
// REST backlog. Every field is optional.
type Raw struct {
	ID        WireID    `json:"id,omitempty"`
	MongoID   WireID    `json:"_id,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Receiver  string    `json:"receiver,omitempty"`
	Type      string    `json:"type,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message,omitempty"`
	BusNumber string    `json:"busNumber,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
	IsRead    *bool     `json:"isRead,omitempty"`
	Read      *bool     `json:"read,omitempty"`
}

// WireID accepts an identifier encoded as a JSON string or number.
type WireID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *WireID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = WireID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*id = WireID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = WireID(n.String())
	return nil
}
