// Package archive keeps a copy of each deal's raw CRM flow payload in
// object storage. The archive is best-effort diagnostic material: the
// segment store is the system of record, so archive failures never fail
// a sync run.
package archive

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotConfigured = errors.New("event archive not configured")

type Store interface {
	StoreJSON(ctx context.Context, objectKey string, payload json.RawMessage) error
	LoadJSON(ctx context.Context, objectKey string) (json.RawMessage, error)
	Close() error
}

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) StoreJSON(_ context.Context, _ string, _ json.RawMessage) error {
	return ErrNotConfigured
}

func (s *NoopStore) LoadJSON(_ context.Context, _ string) (json.RawMessage, error) {
	return nil, ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}
