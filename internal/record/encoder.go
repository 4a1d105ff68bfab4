package record

import (
	"errors"
	"slices"
	"unicode/utf8"

	"github.com/aalhour/prefixdb/internal/mempool"
)

// Envelope fragments, written verbatim around the variable parts.
var (
	fragKey  = []byte(`{"key":`)
	fragType = []byte(`,"$type":`)
	fragVal  = []byte(`,"val":`)
	fragEnd  = []byte("}\n")
)

const envelopeSize = len(`{"key":`) + len(`,"$type":`) + len(`,"val":`) + len("}\n")

// Encoder appends records. It is safe for concurrent use; each call borrows
// a scratch buffer from a pool for the value bytes.
type Encoder struct {
	table   *Table
	scratch *mempool.BufferPool
}

// NewEncoder returns an encoder resolving types through table.
func NewEncoder(table *Table) *Encoder {
	return &Encoder{table: table, scratch: mempool.GlobalBuffers}
}

// Append appends the record for (key, v) to dst, including the trailing
// newline. The destination is grown once to the exact record size.
func (e *Encoder) Append(dst []byte, key string, v any) ([]byte, error) {
	if v == nil {
		return dst, errors.New("record: nil value")
	}

	bufp := e.scratch.Get()
	defer e.scratch.Put(bufp)

	var name string
	var err error
	if raw, ok := v.(Raw); ok {
		name = raw.Type
		*bufp = append(*bufp, raw.Data...)
	} else if raw, ok := v.(*Raw); ok {
		name = raw.Type
		*bufp = append(*bufp, raw.Data...)
	} else {
		var codec Codec
		name, codec = e.table.lookup(v)
		*bufp, err = codec.Append(*bufp, v)
		if err != nil {
			return dst, err
		}
	}
	value := *bufp
	if len(value) == 0 {
		return dst, errors.New("record: codec produced an empty value")
	}

	total := envelopeSize + quotedLen(key) + quotedLen(name) + len(value)
	dst = slices.Grow(dst, total)
	dst = append(dst, fragKey...)
	dst = appendQuoted(dst, key)
	dst = append(dst, fragType...)
	dst = appendQuoted(dst, name)
	dst = append(dst, fragVal...)
	dst = append(dst, value...)
	dst = append(dst, fragEnd...)
	return dst, nil
}

const hexDigits = "0123456789abcdef"

// quotedLen returns the length of s once quoted by appendQuoted.
func quotedLen(s string) int {
	n := 2
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\' || c == '\n' || c == '\r' || c == '\t':
				n += 2
			case c < 0x20:
				n += 6
			default:
				n++
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			n += 6
		} else {
			n += size
		}
		i += size
	}
	return n
}

// appendQuoted appends s as a JSON string. Invalid UTF-8 bytes become an
// escaped U+FFFD, as encoding/json does.
func appendQuoted(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"', '\\':
				dst = append(dst, '\\', c)
			case '\n':
				dst = append(dst, '\\', 'n')
			case '\r':
				dst = append(dst, '\\', 'r')
			case '\t':
				dst = append(dst, '\\', 't')
			default:
				if c < 0x20 {
					dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xF])
				} else {
					dst = append(dst, c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, `\ufffd`...)
		} else {
			dst = append(dst, s[i:i+size]...)
		}
		i += size
	}
	return append(dst, '"')
}
