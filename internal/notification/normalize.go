package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyntheticIDPrefix marks ids generated locally for records that carried none.
const SyntheticIDPrefix = "notif-"

var (
	// ErrEmptyPayload is returned for a push message without a body.
	ErrEmptyPayload = errors.New("empty notification payload")

	// ErrInvalidPayload is returned when a push body is not a JSON object.
	ErrInvalidPayload = errors.New("notification payload is not a json object")
)

func fallbackID(id, alt string) string {
	if id == "" {
		id = alt
	}
	if id == "" {
		id = SyntheticIDPrefix + uuid.NewString()
	}
	return id
}

// WithID returns n with an empty ID filled the way Normalize fills it.
func (n Notification) WithID() Notification {
	n.ID = fallbackID(n.ID, n.AltID)
	return n
}

// Normalize maps a raw record onto the canonical shape. It never fails:
// id falls back to _id and then to a synthesized id, isRead defaults to false.
func Normalize(raw Raw) Notification {
	id := string(raw.ID)
	alt := string(raw.MongoID)

	id = fallbackID(id, alt)
	if alt == "" && raw.ID != "" {
		alt = string(raw.ID)
	}

	read := false
	switch {
	case raw.IsRead != nil:
		read = *raw.IsRead
	case raw.Read != nil:
		read = *raw.Read
	}

	return Notification{
		ID:        id,
		AltID:     alt,
		Sender:    raw.Sender,
		Receiver:  raw.Receiver,
		Type:      raw.Type,
		Title:     raw.Title,
		Message:   raw.Message,
		BusNumber: raw.BusNumber,
		CreatedAt: raw.CreatedAt,
		IsRead:    read,
	}
}

// WithDefaultCreatedAt stamps now onto a notification that arrived without a
// creation time.
func (n Notification) WithDefaultCreatedAt(now time.Time) Notification {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = TimestampFromTime(now)
	}
	return n
}

// DecodePayload parses one push message body. The body may be the JSON
// object itself or a JSON string that contains the object.
func DecodePayload(body []byte) (Raw, error) {
	data := bytes.TrimSpace(body)
	if len(data) == 0 {
		return Raw{}, ErrEmptyPayload
	}

	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return Raw{}, fmt.Errorf("decode string payload: %w", err)
		}
		data = bytes.TrimSpace([]byte(inner))
		if len(data) == 0 {
			return Raw{}, ErrEmptyPayload
		}
	}

	if data[0] != '{' {
		return Raw{}, ErrInvalidPayload
	}

	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return Raw{}, fmt.Errorf("decode payload: %w", err)
	}
	return raw, nil
}

// DecodeBatch parses a REST response body. Anything other than a JSON array
// yields an empty batch; array elements that are not objects are skipped.
func DecodeBatch(body []byte) ([]Raw, error) {
	data := bytes.TrimSpace(body)
	if len(data) == 0 || data[0] != '[' {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}

	raws := make([]Raw, 0, len(elems))
	for _, elem := range elems {
		elem = bytes.TrimSpace(elem)
		if len(elem) == 0 || elem[0] != '{' {
			continue
		}
		var raw Raw
		if err := json.Unmarshal(elem, &raw); err != nil {
			continue
		}
		raws = append(raws, raw)
	}
	return raws, nil
}
