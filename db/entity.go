package db

import (
	"encoding/json"

	"github.com/aalhour/prefixdb/internal/record"
)

// Entity is a versioned document stored under a key.
//
// Version 0 means the entity has never been persisted. A successful save sets
// the version to the submitted version plus one. Entities handed to Save and
// entities returned by reads are shared with the store; callers build a new
// value to change a document.
type Entity interface {
	// Key returns the byte-exact, case-sensitive key.
	Key() string
	// Version returns the optimistic-concurrency version.
	Version() int64
	// SetVersion is called by the store when a write commits.
	SetVersion(v int64)
	// Deleted reports whether the entity is a tombstone.
	Deleted() bool
}

// Base implements Entity and is meant to be embedded in document types:
//
//	type User struct {
//		db.Base
//		Name string `json:"name"`
//	}
type Base struct {
	ID        string `json:"id"`
	Revision  int64  `json:"version"`
	Tombstone bool   `json:"deleted,omitempty"`
}

// Key implements Entity.
func (b *Base) Key() string { return b.ID }

// Version implements Entity.
func (b *Base) Version() int64 { return b.Revision }

// SetVersion implements Entity.
func (b *Base) SetVersion(v int64) { b.Revision = v }

// Deleted implements Entity.
func (b *Base) Deleted() bool { return b.Tombstone }

// Opaque holds a record whose type tag is not registered with the store. It
// is kept so that rewrites preserve the record verbatim, but it cannot be
// saved: Save reports ErrUnknownType.
type Opaque struct {
	key     string
	version int64
	deleted bool
	raw     record.Raw
}

// Key implements Entity.
func (o *Opaque) Key() string { return o.key }

// Version implements Entity.
func (o *Opaque) Version() int64 { return o.version }

// SetVersion implements Entity.
func (o *Opaque) SetVersion(v int64) { o.version = v }

// Deleted implements Entity.
func (o *Opaque) Deleted() bool { return o.deleted }

// Type returns the record's type tag.
func (o *Opaque) Type() string { return o.raw.Type }

// Data returns the record's value as stored.
func (o *Opaque) Data() json.RawMessage { return o.raw.Data }

// newOpaque recovers version and tombstone from values laid out like Base.
func newOpaque(key string, raw record.Raw) *Opaque {
	o := &Opaque{key: key, raw: raw}
	var meta struct {
		Version int64 `json:"version"`
		Deleted bool  `json:"deleted"`
	}
	if json.Unmarshal(raw.Data, &meta) == nil {
		o.version, o.deleted = meta.Version, meta.Deleted
	}
	return o
}
