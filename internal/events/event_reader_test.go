package events_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"searchsync/internal/events"
)

// --- THE CAPTURING MOCK BUS ---

type MockBus struct {
	mock.Mock
}

func (m *MockBus) Close() error { return nil }

func (m *MockBus) Publish(subject string, data []byte, msgID string) error {
	args := m.Called(subject, data, msgID)
	return args.Error(0)
}

func (m *MockBus) Subscribe(subject, group string, name string, handler events.Handler) (events.Subscription, error) {
	args := m.Called(subject, group, handler)
	return args.Get(0).(events.Subscription), args.Error(1)
}

func TestSubscribe_Wiring_CorrectSubjectAndQueue(t *testing.T) {
	// SCENARIO: verify the reader connects to the configured subject with
	// the worker queue group.

	mockBus := new(MockBus)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	config := &events.EventConfig{RecordChanged: "records.changed"}

	reader := events.NewEventReader(mockBus, config, logger)

	mockBus.On("Subscribe", "records.changed", "searchsync-worker", mock.Anything).
		Return(events.Subscription{}, nil)

	err := reader.SubscribeToChangeEvents(func(ctx context.Context, e events.ChangeEvent) error { return nil })

	assert.NoError(t, err)
	mockBus.AssertExpectations(t)
}

func TestSubscribe_PoisonPill_AcksBadJSON(t *testing.T) {
	// SCENARIO: the bus delivers malformed JSON.
	// EXPECT: the handler returns nil (Ack) to discard the message and
	// the engine-facing handler is never invoked.

	mockBus := new(MockBus)
	reader := events.NewEventReader(mockBus, &events.EventConfig{RecordChanged: "subj"}, slog.Default())

	var busHandler events.Handler
	mockBus.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			busHandler = args.Get(2).(events.Handler)
		}).
		Return(events.Subscription{}, nil)

	handlerCalled := false
	_ = reader.SubscribeToChangeEvents(func(ctx context.Context, e events.ChangeEvent) error {
		handlerCalled = true
		return nil
	})

	err := busHandler(context.Background(), []byte(`{ NOT VALID JSON`))

	assert.NoError(t, err, "handler MUST return nil (Ack) for bad JSON")
	assert.False(t, handlerCalled, "engine must NOT be invoked for bad JSON")
}

func TestSubscribe_IncompleteEventIsDiscarded(t *testing.T) {
	mockBus := new(MockBus)
	reader := events.NewEventReader(mockBus, &events.EventConfig{RecordChanged: "subj"}, slog.Default())

	var busHandler events.Handler
	mockBus.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			busHandler = args.Get(2).(events.Handler)
		}).
		Return(events.Subscription{}, nil)

	handlerCalled := false
	_ = reader.SubscribeToChangeEvents(func(ctx context.Context, e events.ChangeEvent) error {
		handlerCalled = true
		return nil
	})

	// Valid JSON, but no model or op: nothing to sync, ack and drop.
	err := busHandler(context.Background(), []byte(`{"ids":["1"]}`))

	assert.NoError(t, err)
	assert.False(t, handlerCalled)
}

func TestSubscribe_HappyPath_ParsesAndForwards(t *testing.T) {
	mockBus := new(MockBus)
	reader := events.NewEventReader(mockBus, &events.EventConfig{RecordChanged: "subj"}, slog.Default())

	var busHandler events.Handler
	mockBus.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			busHandler = args.Get(2).(events.Handler)
		}).
		Return(events.Subscription{}, nil)

	var captured events.ChangeEvent
	_ = reader.SubscribeToChangeEvents(func(ctx context.Context, e events.ChangeEvent) error {
		captured = e
		return nil
	})

	payload := []byte(`{"op":"bulk_updated","model":"listing","ids":["a","b"]}`)
	err := busHandler(context.Background(), payload)

	assert.NoError(t, err)
	assert.Equal(t, "bulk_updated", captured.Op)
	assert.Equal(t, "listing", captured.Model)
	assert.Equal(t, []string{"a", "b"}, captured.IDs)
}

func TestSubscribe_LogicFailure_Nacks(t *testing.T) {
	// SCENARIO: the engine fails (e.g. search backend down).
	// EXPECT: handler returns the error (Nack) so the bus redelivers.

	mockBus := new(MockBus)
	reader := events.NewEventReader(mockBus, &events.EventConfig{RecordChanged: "subj"}, slog.Default())

	var busHandler events.Handler
	mockBus.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			busHandler = args.Get(2).(events.Handler)
		}).
		Return(events.Subscription{}, nil)

	_ = reader.SubscribeToChangeEvents(func(ctx context.Context, e events.ChangeEvent) error {
		return errors.New("search backend down")
	})

	err := busHandler(context.Background(), []byte(`{"op":"updated","model":"listing","ids":["1"]}`))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "search backend down")
}
