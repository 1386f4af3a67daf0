package poller

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjod/rfid-cart/internal/domain"
)

type fakeReader struct {
	msgs   chan kafka.Message
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		msgs:   make(chan kafka.Message, 16),
		errs:   make(chan error, 4),
		closed: make(chan struct{}),
	}
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case err := <-r.errs:
		return kafka.Message{}, err
	default:
	}
	select {
	case m := <-r.msgs:
		return m, nil
	case <-r.closed:
		return kafka.Message{}, io.EOF
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type fakeEngine struct {
	mu    sync.Mutex
	users []string
	fail  map[string]error
}

func (e *fakeEngine) CompleteCheckout(_ context.Context, userID string) (domain.Cart, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users = append(e.users, userID)
	if err := e.fail[userID]; err != nil {
		return domain.Cart{}, err
	}
	return domain.Cart{UserID: userID}, nil
}

func (e *fakeEngine) completed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.users...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	results map[string]int
}

func (r *fakeRecorder) CheckoutEvent(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]int)
	}
	r.results[result]++
}

func (r *fakeRecorder) count(result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[result]
}

func TestPoller_CompletesCheckout(t *testing.T) {
	reader := newFakeReader()
	engine := &fakeEngine{fail: map[string]error{"u3": errors.New("mongo down")}}
	rec := &fakeRecorder{}
	p := NewPoller(engine, reader, rec, nil)

	reader.msgs <- kafka.Message{Value: []byte(`{"checkout_id":"c1","user_id":"u1","total_amount":"1"}`)}
	reader.msgs <- kafka.Message{Value: []byte(`not json`)}
	reader.msgs <- kafka.Message{Value: []byte(`{"checkout_id":"c2"}`)}
	reader.msgs <- kafka.Message{Value: []byte(`{"checkout_id":"c3","user_id":"u3"}`)}
	reader.msgs <- kafka.Message{Value: []byte(`{"checkout_id":"c4","user_id":"u4"}`)}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(engine.completed()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after reader close")
	}

	assert.Equal(t, []string{"u1", "u3", "u4"}, engine.completed())
	assert.Equal(t, 2, rec.count(ResultCompleted))
	assert.Equal(t, 2, rec.count(ResultInvalid))
	assert.Equal(t, 1, rec.count(ResultFailed))
}

func TestPoller_StopsOnContextCancel(t *testing.T) {
	reader := newFakeReader()
	p := NewPoller(&fakeEngine{}, reader, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

func TestPoller_KeepsReadingAfterReadError(t *testing.T) {
	reader := newFakeReader()
	engine := &fakeEngine{}
	p := NewPoller(engine, reader, nil, nil)
	p.errorBackoff = time.Millisecond

	reader.errs <- errors.New("broker not available")
	reader.msgs <- kafka.Message{Value: []byte(`{"user_id":"u1"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(engine.completed()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
