package session

import (
	"fmt"

	"github.com/google/uuid"
)

// ID identifies one provisioning episode. The zero value is Nil. IDs are
// compared with ==; their representation carries no meaning.
type ID struct {
	v uuid.UUID
}

// Nil is the absent session identifier.
var Nil = ID{}

// NewID returns a fresh random identifier.
func NewID() ID {
	return ID{v: uuid.New()}
}

// ParseID parses the textual form produced by String.
func ParseID(s string) (ID, error) {
	v, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return ID{v: v}, nil
}

// IsNil reports whether the identifier is absent.
func (id ID) IsNil() bool {
	return id.v == uuid.Nil
}

// String returns the textual form of the identifier.
func (id ID) String() string {
	return id.v.String()
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
