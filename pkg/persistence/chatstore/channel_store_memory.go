package chatstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryChannelStore keeps channel records for the lifetime of the process.
type InMemoryChannelStore struct {
	mu       sync.Mutex
	channels map[string]ChannelRecord
}

var _ ChannelStore = &InMemoryChannelStore{}

func NewInMemoryChannelStore() *InMemoryChannelStore {
	return &InMemoryChannelStore{channels: map[string]ChannelRecord{}}
}

func (s *InMemoryChannelStore) Close() error { return nil }

func (s *InMemoryChannelStore) Create(_ context.Context, record ChannelRecord) error {
	if s == nil {
		return errors.New("in-memory channel store: nil store")
	}
	if err := validateRecord("in-memory channel store", record); err != nil {
		return err
	}
	if record.CreatedAtMs == 0 {
		record.CreatedAtMs = time.Now().UnixMilli()
	}
	record.Members = append([]string(nil), record.Members...)

	s.mu.Lock()
	defer s.mu.Unlock()
	key := channelKey(record.Kind, record.ID)
	if _, ok := s.channels[key]; ok {
		return existsError("in-memory channel store", record)
	}
	s.channels[key] = record
	return nil
}

func (s *InMemoryChannelStore) Get(_ context.Context, kind, id string) (ChannelRecord, bool, error) {
	if s == nil {
		return ChannelRecord{}, false, errors.New("in-memory channel store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.channels[channelKey(kind, id)]
	if !ok {
		return ChannelRecord{}, false, nil
	}
	record.Members = append([]string(nil), record.Members...)
	return record, true, nil
}
