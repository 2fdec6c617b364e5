package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// MemoryRequestStore is an in-memory implementation of domain.RequestStore
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]domain.Request
}

// NewMemoryRequestStore creates an empty request store
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]domain.Request)}
}

// Create stores a new request
func (m *MemoryRequestStore) Create(ctx context.Context, req *domain.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ID == "" {
		return fmt.Errorf("request ID is required")
	}
	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	m.requests[req.ID] = copyRequest(*req)
	return nil
}

// Get returns a copy of the stored request
func (m *MemoryRequestStore) Get(ctx context.Context, requestID string) (*domain.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, exists := m.requests[requestID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	c := copyRequest(req)
	return &c, nil
}

// Update replaces the stored request
func (m *MemoryRequestStore) Update(ctx context.Context, req *domain.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, req.ID)
	}
	m.requests[req.ID] = copyRequest(*req)
	return nil
}

// List returns matching requests newest first
func (m *MemoryRequestStore) List(ctx context.Context, opts domain.ListOptions) ([]*domain.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Request
	for _, req := range m.requests {
		if opts.UserID != "" && req.UserID != opts.UserID {
			continue
		}
		if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, req.Status) {
			continue
		}
		if opts.Since != nil && req.CreatedAt.Before(*opts.Since) {
			continue
		}
		c := copyRequest(req)
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func containsStatus(list []domain.RequestStatus, s domain.RequestStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// copyRequest deep-copies a request. Auth tokens are never persisted.
func copyRequest(req domain.Request) domain.Request {
	req.AuthToken = ""
	req.UploadedFileURLs = append([]string(nil), req.UploadedFileURLs...)
	if req.CompletedAt != nil {
		t := *req.CompletedAt
		req.CompletedAt = &t
	}
	if req.Error != nil {
		e := *req.Error
		req.Error = &e
	}
	if req.Result != nil {
		r := *req.Result
		r.Warnings = append([]domain.Warning(nil), r.Warnings...)
		req.Result = &r
	}
	return req
}

// MemoryFingerprintStore is an in-memory implementation of domain.FingerprintStore
type MemoryFingerprintStore struct {
	mu     sync.RWMutex
	prints map[string]domain.Fingerprint
}

// NewMemoryFingerprintStore creates an empty fingerprint store
func NewMemoryFingerprintStore() *MemoryFingerprintStore {
	return &MemoryFingerprintStore{prints: make(map[string]domain.Fingerprint)}
}

// Save merges a new fingerprint sample into the stored one
func (m *MemoryFingerprintStore) Save(ctx context.Context, fp *domain.Fingerprint) error {
	if fp == nil || fp.UserID == "" {
		return fmt.Errorf("fingerprint user ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := *fp
	if existing, ok := m.prints[fp.UserID]; ok {
		merged = MergeFingerprint(existing, *fp)
	}
	m.prints[fp.UserID] = merged
	return nil
}

// Get returns the fingerprint of a user
func (m *MemoryFingerprintStore) Get(ctx context.Context, userID string) (*domain.Fingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp, ok := m.prints[userID]
	if !ok {
		return nil, fmt.Errorf("fingerprint not found for user: %s", userID)
	}
	return &fp, nil
}
