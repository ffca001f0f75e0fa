package connection

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mu     sync.Mutex
	sent   []interface{}
	closed bool
}

func (m *mockConn) Send(msg interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestManager_Register(t *testing.T) {
	m := NewManager(10)
	require.NoError(t, m.Register("conn1", &mockConn{}))
	assert.Equal(t, 1, m.Count())

	sub, exists := m.Get("conn1")
	require.True(t, exists)
	assert.False(t, sub.Subscribed)
	assert.Empty(t, m.ByDevice(0))

	assert.Error(t, m.Register("conn1", &mockConn{}))
}

func TestManager_RegisterMaxConnections(t *testing.T) {
	m := NewManager(2)
	require.NoError(t, m.Register("conn1", &mockConn{}))
	require.NoError(t, m.Register("conn2", &mockConn{}))

	assert.Equal(t, ErrMaxConnectionsReached, m.Register("conn3", &mockConn{}))
}

func TestManager_Subscribe(t *testing.T) {
	m := NewManager(10)
	require.NoError(t, m.Register("conn1", &mockConn{}))
	require.NoError(t, m.Register("conn2", &mockConn{}))

	require.NoError(t, m.Subscribe("conn1", 7, "s1"))
	require.NoError(t, m.Subscribe("conn2", 0, ""))

	require.Len(t, m.ByDevice(7), 1)
	assert.Equal(t, "conn1", m.ByDevice(7)[0].ID)
	require.Len(t, m.ByDevice(0), 1)
	require.Len(t, m.BySession("s1"), 1)

	assert.Equal(t, ErrNotRegistered, m.Subscribe("missing", 1, ""))
}

func TestManager_SubscribeMoves(t *testing.T) {
	m := NewManager(10)
	require.NoError(t, m.Register("conn1", &mockConn{}))
	require.NoError(t, m.Subscribe("conn1", 7, "s1"))
	require.NoError(t, m.Subscribe("conn1", 8, "s2"))

	assert.Empty(t, m.ByDevice(7))
	assert.Empty(t, m.BySession("s1"))
	assert.Len(t, m.ByDevice(8), 1)
	assert.Len(t, m.BySession("s2"), 1)
	assert.Equal(t, map[int64]int{8: 1}, m.CountByDevice())
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(10)
	require.NoError(t, m.Register("conn1", &mockConn{}))
	require.NoError(t, m.Subscribe("conn1", 3, "s1"))

	require.NoError(t, m.Unregister("conn1"))
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.ByDevice(3))
	assert.Empty(t, m.BySession("s1"))
	assert.Empty(t, m.CountByDevice())

	assert.Equal(t, ErrNotRegistered, m.Unregister("conn1"))
}

func TestManager_InactiveConnections(t *testing.T) {
	m := NewManager(10)
	require.NoError(t, m.Register("conn1", &mockConn{}))
	require.NoError(t, m.Register("conn2", &mockConn{}))

	sub, _ := m.Get("conn1")
	sub.mu.Lock()
	sub.LastHeardFrom = time.Now().Add(-time.Minute)
	sub.mu.Unlock()

	assert.Equal(t, []string{"conn1"}, m.InactiveConnections(30*time.Second))

	require.NoError(t, m.UpdateActivity("conn1"))
	assert.Empty(t, m.InactiveConnections(30*time.Second))
	assert.Equal(t, ErrNotRegistered, m.UpdateActivity("missing"))
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(5)
	require.NoError(t, m.Register("conn1", &mockConn{}))
	require.NoError(t, m.Register("conn2", &mockConn{}))
	require.NoError(t, m.Subscribe("conn1", 1, "s1"))
	require.NoError(t, m.Subscribe("conn2", 1, ""))

	assert.Equal(t, ManagerStats{
		TotalConnections: 2,
		WatchedDevices:   1,
		Sessions:         1,
		MaxConnections:   5,
	}, m.Stats())
}

func TestManager_Concurrent(t *testing.T) {
	m := NewManager(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn%d", i)
			if m.Register(id, &mockConn{}) == nil {
				_ = m.Subscribe(id, int64(i%3), "")
				_ = m.ByDevice(int64(i % 3))
				_ = m.Unregister(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}
