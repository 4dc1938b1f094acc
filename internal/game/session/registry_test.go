package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakePresence records online transitions for assertion.
type fakePresence struct {
	mu      sync.Mutex
	online  map[int]string
	offline []int
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[int]string)}
}

func (p *fakePresence) SetOnline(_ context.Context, id int, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[id] = username
	return nil
}

func (p *fakePresence) SetOffline(_ context.Context, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, id)
	p.offline = append(p.offline, id)
	return nil
}

func (p *fakePresence) isOnline(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[id]
	return ok
}

func addSession(t *testing.T, r *Registry) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	sess := New(conn, &fakeGateway{}, nil, zaptest.NewLogger(t))
	require.NoError(t, r.Add(sess))
	return sess, conn
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(DefaultCapacity, nil, zaptest.NewLogger(t))

	for i := 0; i < DefaultCapacity; i++ {
		addSession(t, r)
	}
	require.Equal(t, DefaultCapacity, r.Len())

	extra := New(newFakeConn(), &fakeGateway{}, nil, zaptest.NewLogger(t))
	err := r.Add(extra)
	assert.ErrorIs(t, err, ErrServerFull)
	assert.Equal(t, DefaultCapacity, r.Len())

	// The rejected session was never admitted; Disconnect must still work.
	extra.Disconnect()
	assert.Equal(t, Terminated, extra.State())
}

func TestRegistryCapacityFallback(t *testing.T) {
	r := NewRegistry(0, nil, zaptest.NewLogger(t))
	assert.Equal(t, DefaultCapacity, r.capacity)
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	r := NewRegistry(10, nil, zaptest.NewLogger(t))
	sess, _ := addSession(t, r)

	require.NoError(t, r.Add(sess))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryLookupByIdentity(t *testing.T) {
	r := NewRegistry(10, nil, zaptest.NewLogger(t))
	sess, _ := addSession(t, r)
	sess.Bind(testRecord())
	r.Index(sess)

	got, ok := r.Lookup(ByID(101))
	require.True(t, ok)
	assert.Same(t, sess, got)

	got, ok = r.Lookup(ByUsername("waddles"))
	require.True(t, ok)
	assert.Same(t, sess, got)

	assert.True(t, r.Online(ByID(101)))
	assert.False(t, r.Online(ByID(999)))
	assert.False(t, r.Online(ByUsername("nobody")))
}

func TestRegistryUnboundSessionNotIndexed(t *testing.T) {
	r := NewRegistry(10, nil, zaptest.NewLogger(t))
	sess, _ := addSession(t, r)
	r.Index(sess)

	assert.False(t, r.Online(ByID(0)))
	assert.False(t, r.Online(ByUsername("")))
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(10, nil, zaptest.NewLogger(t))
	sess, conn := addSession(t, r)
	sess.Bind(testRecord())
	r.Index(sess)

	r.Remove(sess)

	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Online(ByID(101)))
	assert.False(t, r.Online(ByUsername("waddles")))
	assert.Equal(t, Terminated, sess.State())
	assert.Equal(t, 1, conn.closed)

	// Idempotent: removing again only re-releases.
	r.Remove(sess)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, conn.closed)
}

func TestRegistryRemoveFreesCapacity(t *testing.T) {
	r := NewRegistry(1, nil, zaptest.NewLogger(t))
	sess, _ := addSession(t, r)

	blocked := New(newFakeConn(), &fakeGateway{}, nil, zaptest.NewLogger(t))
	require.ErrorIs(t, r.Add(blocked), ErrServerFull)

	r.Remove(sess)
	require.NoError(t, r.Add(blocked))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryEachInsertionOrder(t *testing.T) {
	r := NewRegistry(10, nil, zaptest.NewLogger(t))
	var want []string
	for i := 0; i < 5; i++ {
		sess, _ := addSession(t, r)
		want = append(want, sess.ConnID)
	}

	var got []string
	r.Each(func(s *Session) {
		got = append(got, s.ConnID)
	})
	assert.Equal(t, want, got)
}

func TestRegistryDisconnectAll(t *testing.T) {
	r := NewRegistry(10, nil, zaptest.NewLogger(t))
	var sessions []*Session
	for i := 0; i < 5; i++ {
		sess, _ := addSession(t, r)
		sessions = append(sessions, sess)
	}

	r.DisconnectAll()

	assert.Equal(t, 0, r.Len())
	for _, sess := range sessions {
		assert.Equal(t, Terminated, sess.State())
	}
}

func TestRegistryPresenceMirroring(t *testing.T) {
	presence := newFakePresence()
	r := NewRegistry(10, presence, zaptest.NewLogger(t))
	sess, _ := addSession(t, r)
	sess.Bind(testRecord())
	r.Index(sess)

	require.Eventually(t, func() bool {
		return presence.isOnline(101)
	}, 2*time.Second, 5*time.Millisecond)

	r.Remove(sess)
	require.Eventually(t, func() bool {
		return !presence.isOnline(101)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistryDisconnectRoutesThroughRegistry(t *testing.T) {
	r := NewRegistry(10, nil, zaptest.NewLogger(t))
	sess, _ := addSession(t, r)
	sess.Bind(testRecord())
	r.Index(sess)

	sess.Disconnect()

	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Online(ByID(101)))
	assert.Equal(t, Terminated, sess.State())
}

func TestRegistryStaleIndexNotClobbered(t *testing.T) {
	// A reconnect can index a new session under the same identity before the
	// old one is removed; removing the old session must not evict the new one.
	r := NewRegistry(10, nil, zaptest.NewLogger(t))
	old, _ := addSession(t, r)
	old.Bind(testRecord())
	r.Index(old)

	replacement, _ := addSession(t, r)
	replacement.Bind(testRecord())
	r.Index(replacement)

	r.Remove(old)

	got, ok := r.Lookup(ByID(101))
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestRegistryRemoveRunsOnRemoveHook(t *testing.T) {
	r := NewRegistry(10, nil, zaptest.NewLogger(t))

	var mu sync.Mutex
	var removed []string
	r.OnRemove(func(id int, username string) {
		mu.Lock()
		removed = append(removed, fmt.Sprintf("%d:%s", id, username))
		mu.Unlock()
	})

	bound, _ := addSession(t, r)
	bound.Bind(testRecord())
	r.Index(bound)

	unbound, _ := addSession(t, r)

	r.Remove(unbound)
	r.Remove(bound)
	r.Remove(bound) // idempotent: hook fires once

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"101:waddles"}, removed)
}

func TestRegistryConcurrentAddRemove(t *testing.T) {
	r := NewRegistry(1000, nil, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := New(newFakeConn(), &fakeGateway{}, nil, zaptest.NewLogger(t))
			if err := r.Add(sess); err != nil {
				return
			}
			sess.Bind(Record{ID: i + 1, Username: fmt.Sprintf("player%d", i+1)})
			r.Index(sess)
			if i%2 == 0 {
				r.Remove(sess)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
}
