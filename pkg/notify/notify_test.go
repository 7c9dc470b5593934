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

package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(Event{Kind: FileCreated, Filename: "a.md"})

	got1 := <-ch1
	got2 := <-ch2
	assert.Equal(t, FileCreated, got1.Kind)
	assert.Equal(t, "a.md", got2.Filename)
	assert.False(t, got1.Timestamp.IsZero())
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Kind: FileCreated})
	bus.Publish(Event{Kind: FileDeleted}) // buffer full, dropped

	got := <-ch
	assert.Equal(t, FileCreated, got.Kind)

	select {
	case extra := <-ch:
		t.Fatalf("expected drop, got %v", extra.Kind)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe(1)
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Kind: FolderTreeRefresh})
}
