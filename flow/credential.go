package flow

import (
	"context"
	"fmt"
	"sync"
)

// CredentialResolver turns a node's credential reference into usable
// credential fields. Implementations may hit a datastore or a secrets
// manager; decryption mechanics live behind this interface.
type CredentialResolver interface {
	Resolve(ctx context.Context, node Node) (map[string]any, error)
}

// StaticCredentials resolves credential references from an in-memory table.
// It suits tests and single-binary deployments that load secrets at startup.
type StaticCredentials struct {
	mu    sync.RWMutex
	creds map[string]map[string]any
}

// NewStaticCredentials creates a resolver from a credential-id -> fields table.
func NewStaticCredentials(creds map[string]map[string]any) *StaticCredentials {
	c := &StaticCredentials{creds: make(map[string]map[string]any, len(creds))}
	for id, fields := range creds {
		c.creds[id] = cloneMap(fields)
	}
	return c
}

// Set stores or replaces a credential.
func (s *StaticCredentials) Set(id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[id] = cloneMap(fields)
}

// Resolve implements CredentialResolver. Nodes without a credential
// reference resolve to nil.
func (s *StaticCredentials) Resolve(_ context.Context, node Node) (map[string]any, error) {
	if node.Data.Credential == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.creds[node.Data.Credential]
	if !ok {
		return nil, fmt.Errorf("credential %q not found", node.Data.Credential)
	}
	return cloneMap(fields), nil
}
