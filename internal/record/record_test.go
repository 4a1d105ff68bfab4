package record

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type note struct {
	Key     string `json:"key"`
	Version int64  `json:"version"`
	Body    string `json:"body"`
}

type counter struct {
	N int `json:"n"`
}

func newTable(t *testing.T) *Table {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register("note", &note{}, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register("counter", counter{}, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return reg.Freeze()
}

func TestEncodeEnvelope(t *testing.T) {
	enc := NewEncoder(newTable(t))

	got, err := enc.Append(nil, "n/1", &note{Key: "n/1", Version: 3, Body: "hi"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	want := `{"key":"n/1","$type":"note","val":{"key":"n/1","version":3,"body":"hi"}}` + "\n"
	if string(got) != want {
		t.Errorf("Append() =\n%s\nwant\n%s", got, want)
	}
}

func TestEncodeAppendsToDst(t *testing.T) {
	enc := NewEncoder(newTable(t))
	dst := []byte("prefix|")
	dst, err := enc.Append(dst, "c", counter{N: 7})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if !strings.HasPrefix(string(dst), "prefix|{") {
		t.Errorf("Append() overwrote dst: %q", dst)
	}
}

func TestEncodeEscapesKey(t *testing.T) {
	enc := NewEncoder(newTable(t))
	keys := []string{`quo"te`, `back\slash`, "new\nline", "tab\t", "ctl\x01", "ünï", "bad\xffutf8"}
	for _, k := range keys {
		line, err := enc.Append(nil, k, counter{N: 1})
		if err != nil {
			t.Fatalf("Append(%q) error = %v", k, err)
		}
		if strings.Count(string(line), "\n") != 1 {
			t.Errorf("record for %q spans lines: %q", k, line)
		}
		if !json.Valid(line[:len(line)-1]) {
			t.Errorf("record for %q is not valid JSON: %q", k, line)
		}
		if got, want := len(line)-envelopeSize, quotedLen(k)+len(`"counter"`)+len(`{"n":1}`); got != want {
			t.Errorf("quotedLen mismatch for %q: record body %d, computed %d", k, got, want)
		}

		d, err := newTable(t).Decode(line)
		if err != nil {
			t.Fatalf("Decode(%q) error = %v", line, err)
		}
		want := k
		if k == "bad\xffutf8" {
			want = "bad�utf8"
		}
		if d.Key != want {
			t.Errorf("Decode key = %q, want %q", d.Key, want)
		}
	}
}

func TestDecodeRegistered(t *testing.T) {
	table := newTable(t)
	enc := NewEncoder(table)

	in := &note{Key: "k", Version: 9, Body: "text"}
	line, err := enc.Append(nil, "k", in)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	d, err := table.Decode(line)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if d.Key != "k" || d.Type != "note" {
		t.Errorf("Decode() key/type = %q/%q", d.Key, d.Type)
	}
	got, ok := d.Value.(*note)
	if !ok {
		t.Fatalf("Decode() value type = %T, want *note", d.Value)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}

	line, _ = enc.Append(nil, "c", counter{N: 4})
	d, err = table.Decode(line)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if c, ok := d.Value.(counter); !ok || c.N != 4 {
		t.Errorf("Decode() value = %#v, want counter{4}", d.Value)
	}
}

func TestDecodePropertyOrderAndExtras(t *testing.T) {
	line := []byte(`{"val":{"n":2},"extra":[1,2],"$type":"counter","key":"x"}`)
	d, err := newTable(t).Decode(line)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if d.Key != "x" {
		t.Errorf("Key = %q", d.Key)
	}
	if c, ok := d.Value.(counter); !ok || c.N != 2 {
		t.Errorf("Value = %#v", d.Value)
	}
}

func TestUnknownTypeIsRaw(t *testing.T) {
	line := []byte(`{"key":"a","$type":"mystery","val":{"x":1}}` + "\n")
	table := newTable(t)
	d, err := table.Decode(line)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	raw, ok := d.Value.(Raw)
	if !ok {
		t.Fatalf("Value type = %T, want Raw", d.Value)
	}
	if raw.Type != "mystery" || string(raw.Data) != `{"x":1}` {
		t.Errorf("Raw = %+v", raw)
	}

	// Raw values re-encode verbatim.
	again, err := NewEncoder(table).Append(nil, "a", raw)
	if err != nil {
		t.Fatalf("Append(Raw) error = %v", err)
	}
	if string(again) != string(line) {
		t.Errorf("Raw re-encode = %q, want %q", again, line)
	}
}

func TestUnregisteredGoTypeFallsBack(t *testing.T) {
	type local struct{ A int }
	table := newTable(t)
	line, err := NewEncoder(table).Append(nil, "z", local{A: 5})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	d, err := table.Decode(line)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := d.Value.(Raw); !ok {
		t.Errorf("Value type = %T, want Raw", d.Value)
	}
}

func TestDecodeMalformed(t *testing.T) {
	table := newTable(t)
	lines := []string{
		``,
		`[]`,
		`{"key":"a","$type":"counter"`,
		`{"key":"a","$type":"counter","val":{"n":`,
		`{"$type":"counter","val":{"n":1}}`,
		`{"key":"a","$type":"counter"}`,
		`{"key":1,"val":2}`,
		`{"key":"a","$type":"counter","val":"not-an-object"}`,
		`garbage`,
	}
	for _, l := range lines {
		if _, err := table.Decode([]byte(l)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) error = %v, want ErrMalformed", l, err)
		}
	}
}

func TestRegistryErrors(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("a", &note{}, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register("a", counter{}, nil); !errors.Is(err, ErrDuplicateType) {
		t.Errorf("duplicate name error = %v", err)
	}
	if err := reg.Register("b", &note{}, nil); !errors.Is(err, ErrDuplicateType) {
		t.Errorf("duplicate type error = %v", err)
	}
	if err := reg.Register("", counter{}, nil); err == nil {
		t.Errorf("empty name accepted")
	}
	table := reg.Freeze()
	if err := reg.Register("c", counter{}, nil); !errors.Is(err, ErrFrozen) {
		t.Errorf("register after freeze error = %v", err)
	}
	if names := table.Names(); len(names) != 1 || names[0] != "a" {
		t.Errorf("Names() = %v", names)
	}
}

func BenchmarkEncode(b *testing.B) {
	reg := NewRegistry()
	_ = reg.Register("note", &note{}, nil)
	enc := NewEncoder(reg.Freeze())
	v := &note{Key: "user/000123", Version: 7, Body: strings.Repeat("x", 200)}
	var buf []byte
	b.ReportAllocs()
	for range b.N {
		buf, _ = enc.Append(buf[:0], v.Key, v)
	}
}
