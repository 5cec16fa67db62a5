// internal/evolution/bus/bus.go
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omegabot/omega/internal/evolution/models"
)

// Message is the envelope for data transmitted over the EvolutionBus.
type Message struct {
	ID        string
	Timestamp time.Time
	Type      models.MessageType
	Payload   interface{}

	// acks is set for PostAndWait deliveries.
	acks *sync.WaitGroup
}

// EvolutionBus fans cycle events out to passive consumers. Every delivered
// message must be acknowledged exactly once.
type EvolutionBus struct {
	logger *zap.Logger

	subscribers map[models.MessageType][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	// Delivered but not yet acknowledged messages.
	processingWg sync.WaitGroup
	// Post calls currently attempting delivery.
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// NewEvolutionBus initializes the EvolutionBus.
func NewEvolutionBus(logger *zap.Logger, bufferSize int) *EvolutionBus {
	if bufferSize < 0 {
		bufferSize = 0
	}

	return &EvolutionBus{
		logger:       logger.Named("evolution_bus"),
		subscribers:  make(map[models.MessageType][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post sends a message onto the bus. Blocks if subscriber buffers are full.
func (eb *EvolutionBus) Post(ctx context.Context, msgType models.MessageType, payload interface{}) error {
	return eb.post(ctx, msgType, payload, nil)
}

// PostAndWait posts a message and returns once every subscriber that
// received it has acknowledged it, or ctx is done.
func (eb *EvolutionBus) PostAndWait(ctx context.Context, msgType models.MessageType, payload interface{}) error {
	acks := &sync.WaitGroup{}
	if err := eb.post(ctx, msgType, payload, acks); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		acks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eb *EvolutionBus) post(ctx context.Context, msgType models.MessageType, payload interface{}, acks *sync.WaitGroup) error {
	eb.shutdownMu.Lock()
	if eb.isShutdown {
		eb.shutdownMu.Unlock()
		return fmt.Errorf("cannot post message: EvolutionBus is shut down")
	}
	eb.activePostsWg.Add(1)
	eb.shutdownMu.Unlock()
	defer eb.activePostsWg.Done()

	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Payload:   payload,
		acks:      acks,
	}

	eb.logger.Debug("Posting message.", zap.String("type", string(msg.Type)), zap.String("id", msg.ID))

	eb.mu.RLock()
	subscribers := append([]chan Message(nil), eb.subscribers[msg.Type]...)
	eb.mu.RUnlock()
	if len(subscribers) == 0 {
		return nil
	}

	if acks != nil {
		acks.Add(len(subscribers))
	}
	for i, ch := range subscribers {
		eb.processingWg.Add(1)
		var err error
		select {
		case ch <- msg:
			continue
		case <-ctx.Done():
			err = ctx.Err()
		case <-eb.shutdownChan:
			err = fmt.Errorf("failed to post message: bus is shutting down")
		}
		// Undelivered copies will never be acknowledged.
		eb.processingWg.Done()
		if acks != nil {
			acks.Add(-(len(subscribers) - i))
		}
		return err
	}
	return nil
}

// Subscribe returns a channel to listen for specific message types.
func (eb *EvolutionBus) Subscribe(msgTypes ...models.MessageType) (<-chan Message, func()) {
	if len(msgTypes) == 0 {
		panic("must subscribe to at least one message type")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.shutdownMu.Lock()
	closed := eb.isShutdown
	eb.shutdownMu.Unlock()
	if closed {
		closedCh := make(chan Message)
		close(closedCh)
		return closedCh, func() {}
	}

	ch := make(chan Message, eb.bufferSize)
	types := append([]models.MessageType(nil), msgTypes...)
	for _, t := range types {
		eb.subscribers[t] = append(eb.subscribers[t], ch)
	}

	unsubscribe := func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for _, t := range types {
			subs := eb.subscribers[t]
			for i, c := range subs {
				if c == ch {
					eb.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(eb.subscribers[t]) == 0 {
				delete(eb.subscribers, t)
			}
		}
		// The bus closes ch during Shutdown.
	}
	return ch, unsubscribe
}

// Acknowledge signals that a message has been processed by a consumer.
func (eb *EvolutionBus) Acknowledge(msg Message) {
	if msg.acks != nil {
		msg.acks.Done()
	}
	eb.processingWg.Done()
}

// Shutdown stops accepting posts, drains undelivered buffers and waits for
// consumers to acknowledge what they already received.
func (eb *EvolutionBus) Shutdown() {
	eb.shutdownOnce.Do(func() {
		eb.logger.Info("Shutting down EvolutionBus.")

		eb.shutdownMu.Lock()
		eb.isShutdown = true
		eb.shutdownMu.Unlock()

		close(eb.shutdownChan)
		eb.activePostsWg.Wait()

		eb.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range eb.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		// No Post is sending any more, so closing is safe.
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for msg := range ch {
				drained++
				eb.Acknowledge(msg)
			}
		}
		eb.subscribers = make(map[models.MessageType][]chan Message)
		eb.mu.Unlock()

		if drained > 0 {
			eb.logger.Debug("Drained buffered messages during shutdown.", zap.Int("count", drained))
		}

		eb.processingWg.Wait()
		eb.logger.Info("EvolutionBus shut down gracefully.")
	})
}
