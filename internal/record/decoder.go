package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decoded is one parsed record.
type Decoded struct {
	Key   string
	Type  string
	Value any
}

// Decode parses a single record line. The trailing newline is optional.
// Values whose type tag has no codec in the table are returned as Raw.
func (t *Table) Decode(line []byte) (Decoded, error) {
	var (
		d              Decoded
		raw            json.RawMessage
		hasKey, hasVal bool
	)

	dec := json.NewDecoder(bytes.NewReader(line))
	tok, err := dec.Token()
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return d, fmt.Errorf("%w: expected object", ErrMalformed)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		name, ok := tok.(string)
		if !ok {
			return d, fmt.Errorf("%w: expected property name", ErrMalformed)
		}
		switch name {
		case "key":
			if err := dec.Decode(&d.Key); err != nil {
				return d, fmt.Errorf("%w: key: %v", ErrMalformed, err)
			}
			hasKey = true
		case "$type":
			if err := dec.Decode(&d.Type); err != nil {
				return d, fmt.Errorf("%w: $type: %v", ErrMalformed, err)
			}
		case "val":
			if err := dec.Decode(&raw); err != nil {
				return d, fmt.Errorf("%w: val: %v", ErrMalformed, err)
			}
			hasVal = true
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return d, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return d, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !hasKey || !hasVal {
		return d, fmt.Errorf("%w: missing key or val", ErrMalformed)
	}

	codec, ok := t.Resolve(d.Type)
	if !ok {
		d.Value = Raw{Type: d.Type, Data: bytes.Clone(raw)}
		return d, nil
	}
	d.Value, err = codec.Decode(raw)
	if err != nil {
		return d, fmt.Errorf("%w: decode %q: %v", ErrMalformed, d.Type, err)
	}
	return d, nil
}
