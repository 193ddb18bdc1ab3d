package store

import (
	"context"
	"sync"
)

// MemoryStore 进程内存储，重启后丢失
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*RunRecord
	batches map[string]*BatchRecord
	closed  bool
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*RunRecord),
		batches: make(map[string]*BatchRecord),
	}
}

// SaveRun 保存运行记录
func (s *MemoryStore) SaveRun(_ context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.runs[rec.SessionID] = cloneRun(rec)
	return nil
}

// GetRun 读取运行记录
func (s *MemoryStore) GetRun(_ context.Context, sessionID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.runs[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(rec), nil
}

// SaveBatch 保存批量记录
func (s *MemoryStore) SaveBatch(_ context.Context, rec *BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.batches[rec.BatchID] = cloneBatch(rec)
	return nil
}

// GetBatch 读取批量记录
func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBatch(rec), nil
}

// Ping 总是成功，除非已关闭
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close 关闭存储
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
