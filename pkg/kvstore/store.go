// Package kvstore persists whole JSON documents under string keys.
//
// People, memories, scheduled jobs and runtime settings all live in the same
// store; each is read and written as a single document.
package kvstore

import (
	"context"
	"errors"
)

// Well-known document keys.
const (
	KeyPeople   = "people"
	KeyMemories = "memories"
	KeyJobs     = "jobs"
	KeySettings = "settings"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store is closed")

// Store reads and writes JSON documents.
type Store interface {
	// Get decodes the document stored at key into dst. It reports false
	// when the key does not exist.
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	// Put encodes v and replaces the document stored at key.
	Put(ctx context.Context, key string, v interface{}) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns all stored keys in lexical order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
