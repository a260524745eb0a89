package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"peerprep/monitoring"
)

var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process topic broker with the same delivery contract as
// the AMQP one: each subscription gets its own ordered queue.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan []byte
	closed bool
	wg     sync.WaitGroup
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]chan []byte)}
}

func (b *MemoryBroker) Publish(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}

	for _, ch := range b.subs[routingKey] {
		select {
		case ch <- body:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	monitoring.TrackBrokerMessage(routingKey, "publish", "success")
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, routingKey string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	ch := make(chan []byte, 128)
	b.subs[routingKey] = append(b.subs[routingKey], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case body, ok := <-ch:
				if !ok {
					return
				}
				if err := h(ctx, body); err != nil {
					slog.Error("memory broker handler failed", "routing_key", routingKey, "error", err)
					monitoring.TrackBrokerMessage(routingKey, "consume", "error")
					continue
				}
				monitoring.TrackBrokerMessage(routingKey, "consume", "success")
			}
		}
	}()
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
