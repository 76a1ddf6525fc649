// Package ingest turns events from message producers into store writes.
package ingest

import (
	"context"
	"fmt"

	"github.com/matheus3301/sigvault/internal/bus"
	"github.com/matheus3301/sigvault/internal/store"
	"go.uber.org/zap"
)

// Arrival is the payload of a signal.message event.
type Arrival struct {
	ConversationID string
	Message        *store.Message
}

// Saved is the payload of a message.saved event.
type Saved struct {
	ConversationID string
	RowID          int64
}

// Engine is the single receive worker. It subscribes to "signal." events
// and applies them to the store one at a time.
type Engine struct {
	store  *store.Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new ingest engine.
func NewEngine(st *store.Store, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  st,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound Signal events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("signal.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event in flight to finish.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSignalMessage:
		a, ok := evt.Payload.(*Arrival)
		if !ok || a.Message == nil {
			return
		}
		if _, err := e.IngestMessage(a.ConversationID, a.Message); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("conversation", a.ConversationID))
		}
	case bus.KindSignalContacts:
		contacts, ok := evt.Payload.([]store.Contact)
		if !ok {
			return
		}
		if err := e.store.SaveContacts(contacts); err != nil {
			e.logger.Error("failed to save contacts", zap.Error(err), zap.Int("count", len(contacts)))
		} else {
			e.logger.Info("contacts cached", zap.Int("count", len(contacts)))
		}
	case bus.KindSignalGroups:
		groups, ok := evt.Payload.([]store.Group)
		if !ok {
			return
		}
		if err := e.store.SaveGroups(groups); err != nil {
			e.logger.Error("failed to save groups", zap.Error(err), zap.Int("count", len(groups)))
		} else {
			e.logger.Info("groups cached", zap.Int("count", len(groups)))
		}
	}
}

// IngestMessage stores one live message. Inserted messages are announced
// as message.saved; duplicates are returned as Skipped without an event.
func (e *Engine) IngestMessage(conversationID string, m *store.Message) (store.SaveResult, error) {
	res, err := e.store.SaveMessage(conversationID, m)
	if err != nil {
		return res, fmt.Errorf("save message: %w", err)
	}
	if res.Status == store.Inserted {
		bus.Publish(e.bus, bus.KindMessageSaved, Saved{ConversationID: conversationID, RowID: res.RowID})
	}
	return res, nil
}
