package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeConn struct {
	id string

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	block   bool
	closed  bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	block, err := c.block, c.sendErr
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, payload)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestHub() *Hub {
	return NewHub(50*time.Millisecond, zap.NewNop())
}

func TestSendWithoutConnection(t *testing.T) {
	h := newTestHub()
	assert.False(t, h.Send(context.Background(), 1, []byte("x")))
}

func TestRegisterAndSend(t *testing.T) {
	h := newTestHub()
	c := newFakeConn("c1")
	h.Register(1, c)

	assert.True(t, h.Send(context.Background(), 1, []byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, c.messages())
	assert.Equal(t, 1, h.Count())
}

func TestRegisterSupersedesAndClosesPrevious(t *testing.T) {
	h := newTestHub()
	old := newFakeConn("old")
	fresh := newFakeConn("new")

	h.Register(1, old)
	h.Register(1, fresh)

	assert.True(t, old.isClosed())
	assert.Equal(t, 1, h.Count())
	assert.True(t, h.Send(context.Background(), 1, []byte("x")))
	assert.Empty(t, old.messages())
	assert.Len(t, fresh.messages(), 1)
}

func TestUnregisterStaleHandleIsNoop(t *testing.T) {
	h := newTestHub()
	old := newFakeConn("old")
	fresh := newFakeConn("new")
	h.Register(1, old)
	h.Register(1, fresh)

	assert.False(t, h.Unregister(1, old))
	assert.True(t, h.Send(context.Background(), 1, []byte("x")))

	assert.True(t, h.Unregister(1, fresh))
	assert.False(t, h.Send(context.Background(), 1, []byte("x")))
	assert.Zero(t, h.Count())
}

func TestSendErrorEvictsConnection(t *testing.T) {
	h := newTestHub()
	c := newFakeConn("c1")
	c.sendErr = errors.New("broken pipe")
	h.Register(1, c)

	assert.False(t, h.Send(context.Background(), 1, []byte("x")))
	assert.True(t, c.isClosed())
	assert.Zero(t, h.Count())
	assert.False(t, h.Send(context.Background(), 1, []byte("x")))
}

func TestSendIsTimeBounded(t *testing.T) {
	h := newTestHub()
	c := newFakeConn("slow")
	c.block = true
	h.Register(1, c)

	start := time.Now()
	assert.False(t, h.Send(context.Background(), 1, []byte("x")))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, h.Count())
}

func TestFailedSendDoesNotEvictNewerConnection(t *testing.T) {
	h := newTestHub()
	slow := newFakeConn("slow")
	slow.block = true
	h.Register(1, slow)

	done := make(chan bool)
	go func() { done <- h.Send(context.Background(), 1, []byte("x")) }()

	// 在慢连接写超时之前注册新连接
	fresh := newFakeConn("fresh")
	time.Sleep(15 * time.Millisecond)
	h.Register(1, fresh)

	assert.False(t, <-done)
	assert.Equal(t, 1, h.Count())
	assert.True(t, h.Send(context.Background(), 1, []byte("y")))
}

func TestConcurrentRegisterSendUnregister(t *testing.T) {
	h := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := int64(i % 8)
			c := newFakeConn(fmt.Sprintf("c%d", i))
			h.Register(id, c)
			h.Send(context.Background(), id, []byte("x"))
			h.Unregister(id, c)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, h.Count())
}

func TestCloseAll(t *testing.T) {
	h := newTestHub()
	a, b := newFakeConn("a"), newFakeConn("b")
	h.Register(1, a)
	h.Register(2, b)

	assert.Equal(t, 2, h.CloseAll())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Zero(t, h.Count())
	assert.False(t, h.Unregister(1, a))
	assert.False(t, h.Send(context.Background(), 2, []byte("x")))
}
