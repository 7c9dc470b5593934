// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package notify is the in-process advisory event bus. Delivery is
// best-effort: a slow subscriber drops events rather than blocking the
// publisher, so correctness never depends on an event arriving.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Kind enumerates the advisory event types.
type Kind string

const (
	DocumentStatusUpdate Kind = "document_status_update"
	FileCreated          Kind = "file_created"
	FileDeleted          Kind = "file_deleted"
	FolderCreated        Kind = "folder_created"
	FolderDeleted        Kind = "folder_deleted"
	FolderMoved          Kind = "folder_moved"
	FolderTreeRefresh    Kind = "folder_tree_refresh"
)

// Event is one advisory notification.
type Event struct {
	Kind       Kind
	DocumentID string
	Status     string
	Filename   string
	FolderID   *string
	UserID     *string
	Timestamp  time.Time
	Data       map[string]any
}

// Notifier publishes advisory events.
type Notifier interface {
	Publish(event Event)
}

// Bus is a fan-out notifier with buffered, drop-on-slow subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns its channel plus an
// unsubscribe func. The buffer absorbs bursts; overflow is dropped.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub <- event:
		default:
			slog.Debug("Dropped notification for slow subscriber", "kind", event.Kind)
		}
	}
}

// Discard is a Notifier that drops everything. Useful for tests and
// one-shot worker processes.
type Discard struct{}

func (Discard) Publish(Event) {}
