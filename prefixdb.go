package prefixdb

// prefixdb.go implements the typed entry points.

import (
	"github.com/aalhour/prefixdb/db"
	"github.com/aalhour/prefixdb/internal/record"
)

// DB is an open store.
type DB = db.DB

// Entity is a versioned document stored under a key.
type Entity = db.Entity

// Base implements Entity for embedding in document types.
type Base = db.Base

// Opaque is a stored record whose type is not registered.
type Opaque = db.Opaque

// ScanOptions controls prefix reads.
type ScanOptions = db.ScanOptions

// Transaction is a unit of work applied all-or-nothing.
type Transaction = db.Transaction

// ConflictError describes a rejected version.
type ConflictError = db.ConflictError

// Policy selects how a transaction reports a conflict.
type Policy = db.Policy

// Conflict policies.
const (
	PolicyStrict  = db.PolicyStrict
	PolicyLenient = db.PolicyLenient
)

// Registry maps type tags to document types.
type Registry = record.Registry

// Codec serializes values of one document type.
type Codec = record.Codec

// Errors returned by the store.
var (
	ErrConflict        = db.ErrConflict
	ErrReadOnly        = db.ErrReadOnly
	ErrInvalidOptions  = db.ErrInvalidOptions
	ErrClosed          = db.ErrClosed
	ErrBackgroundError = db.ErrBackgroundError
	ErrCorruption      = db.ErrCorruption
	ErrUnknownType     = db.ErrUnknownType
	ErrTxnSubmitted    = db.ErrTxnSubmitted
)

// Open opens the store logged at path. An empty path opens an in-memory
// store. Nil opts uses DefaultOptions.
func Open(path string, opts *Options) (*DB, error) {
	return db.Open(path, opts)
}

// NewTransaction builds a transaction for DB.Submit.
func NewTransaction(policy Policy, entities ...Entity) Transaction {
	return db.NewTransaction(policy, entities...)
}

// NewRegistry returns an empty type registry for Options.Types.
func NewRegistry() *Registry {
	return record.NewRegistry()
}

// Register binds name to the document type T, normally a pointer to a
// struct embedding Base. Values are stored as JSON.
func Register[T Entity](r *Registry, name string) error {
	return RegisterCodec[T](r, name, nil)
}

// RegisterCodec is Register with a custom codec. A nil codec selects JSON.
func RegisterCodec[T Entity](r *Registry, name string, codec Codec) error {
	var prototype T
	return r.Register(name, prototype, codec)
}

// Get returns the live document stored under key if it is a T.
func Get[T Entity](d *DB, key string) (T, bool) {
	var zero T
	e, ok := d.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := e.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// GetByPrefix returns the documents of type T whose key starts with prefix.
// Documents of other types are left out.
func GetByPrefix[T Entity](d *DB, prefix string, opts ScanOptions) []T {
	entities := d.GetByPrefix(prefix, opts)
	out := make([]T, 0, len(entities))
	for _, e := range entities {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// LogInfo summarizes a log file read by InspectLog.
type LogInfo = db.LogInfo

// LogRecord is one record visited by InspectLog.
type LogRecord = db.LogRecord

// InspectLog walks the log file at path in replay order without opening a
// store. No types need to be registered.
func InspectLog(path string, fn func(LogRecord) error) (LogInfo, error) {
	return db.InspectLog(nil, path, fn)
}
