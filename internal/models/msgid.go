package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageID wraps a UUIDv7, which encodes creation time in its leading bits
// so that ids generated by a single sender sort in creation order. This
// backs the monotonic-within-a-sender ordering invariant for Message.
type MessageID struct {
	uuid.UUID
}

// NewMessageID generates a new UUIDv7 message id.
func NewMessageID() (MessageID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return MessageID{}, fmt.Errorf("generating message id: %w", err)
	}
	return MessageID{id}, nil
}

// ParseMessageID parses a message id from its canonical string form.
func ParseMessageID(s string) (MessageID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return MessageID{}, fmt.Errorf("parsing message id %q: %w", s, err)
	}
	return MessageID{id}, nil
}

// IsZero reports whether the id is the zero UUID.
func (m MessageID) IsZero() bool {
	return m.UUID == uuid.Nil
}

// String returns the canonical dashed string representation.
func (m MessageID) String() string {
	return m.UUID.String()
}

// MarshalJSON implements json.Marshaler.
func (m MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshaling message id JSON: %w", err)
	}
	if s == "" {
		*m = MessageID{}
		return nil
	}
	parsed, err := ParseMessageID(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Scan implements database/sql.Scanner for reading message ids from
// PostgreSQL UUID columns.
func (m *MessageID) Scan(src interface{}) error {
	if src == nil {
		*m = MessageID{}
		return nil
	}
	switch v := src.(type) {
	case string:
		parsed, err := ParseMessageID(v)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case []byte:
		parsed, err := ParseMessageID(string(v))
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	default:
		return fmt.Errorf("unsupported message id scan source type: %T", src)
	}
}

// Value implements database/sql/driver.Valuer for writing message ids to
// PostgreSQL UUID columns.
func (m MessageID) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	return m.String(), nil
}
