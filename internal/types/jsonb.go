package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// Scan is on the pointer receiver; Value is on the value receiver.
var (
	_ sql.Scanner   = (*Metadata)(nil)
	_ driver.Valuer = Metadata(nil)
)

// Metadata is a free-form JSON object stored in a JSONB column.
// Customer and Subscription metadata is always merged across updates,
// never wholesale-replaced (see reconcile.MergeMetadata).
type Metadata map[string]any

// Scan implements the sql.Scanner interface for reading JSONB from the
// database. Handles nil, []byte, and string representations.
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, m)
}

// Value implements the driver.Valuer interface for writing JSONB to the
// database. A nil map is stored as SQL NULL.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Clone returns a shallow copy of the metadata map. Nested values are
// shared; callers that mutate nested structures must deep-copy themselves.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
