package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingPrincipal is returned when a principal has no id.
var ErrMissingPrincipal = errors.New("exchange: principal id is required")

// Principal identifies the caller on whose behalf usage is metered.
// On the wire it is the flat user object supplied by the host
// ({"id": "...", "email": "...", "role": "..."}).
type Principal struct {
	ID         string
	Attributes map[string]any

	// numericID is set when the host sent the id as a JSON number, so it is
	// forwarded as the same number.
	numericID bool
}

// Validate checks that the principal can be metered.
func (p Principal) Validate() error {
	if p.ID == "" {
		return ErrMissingPrincipal
	}
	return nil
}

// MarshalJSON flattens ID and Attributes into one object.
func (p Principal) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Attributes)+1)
	for k, v := range p.Attributes {
		m[k] = v
	}
	if p.numericID {
		m["id"] = json.Number(p.ID)
	} else {
		m["id"] = p.ID
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits the "id" field from the remaining attributes.
// Numbers are kept as json.Number so large ids and attributes round-trip
// without loss.
func (p *Principal) UnmarshalJSON(data []byte) error {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decoding principal: %w", err)
	}
	p.ID = ""
	p.numericID = false
	if id, ok := m["id"]; ok {
		switch v := id.(type) {
		case string:
			p.ID = v
		case json.Number:
			p.ID = v.String()
			p.numericID = true
		}
		delete(m, "id")
	}
	if len(m) > 0 {
		p.Attributes = m
	} else {
		p.Attributes = nil
	}
	return nil
}
