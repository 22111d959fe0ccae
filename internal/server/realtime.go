package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/pixelcanvas/backend/internal/canvas"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeBufferSize     = 16
)

// RealtimeDispatcher fans board events out to every open stream.
// Slow subscribers drop events instead of blocking the engine.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan canvas.BoardEvent
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan canvas.BoardEvent, func()) {
	subscriber := &realtimeSubscriber{stream: make(chan canvas.BoardEvent, d.bufferSize)}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishBoardEvent implements canvas.EventPublisher.
func (d *RealtimeDispatcher) PublishBoardEvent(event canvas.BoardEvent) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribers, subscriberID)
}
