package handlers

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/waddlerhq/waddler/internal/game/session"
)

type memConn struct {
	mu     sync.Mutex
	frames []string
	closed bool
}

func (c *memConn) WriteFrame(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.frames = append(c.frames, payload)
	return nil
}

func (c *memConn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (c *memConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	copy(out, c.frames)
	return out
}

type memGateway struct{}

func (memGateway) GetColumn(context.Context, int, string, string) ([]string, error) {
	return nil, nil
}

func (memGateway) UpdateColumn(context.Context, int, string, any, string) error {
	return nil
}

type stubLoader struct {
	record *session.Record
	err    error
	calls  int
}

func (l *stubLoader) PlayerByUsername(_ context.Context, _ string) (*session.Record, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.record, nil
}

func fixtureRecord() *session.Record {
	return &session.Record{
		ID:       42,
		Username: "gary",
		Coins:    250,
		Color:    5,
		Rank:     1,
	}
}

func newHarness(t *testing.T, loader *stubLoader) (*Game, *session.Session, *memConn) {
	t.Helper()
	registry := session.NewRegistry(10, nil, zaptest.NewLogger(t))
	game := NewGame(loader, registry, zaptest.NewLogger(t))
	conn := &memConn{}
	sess := session.New(conn, memGateway{}, map[int]bool{900: true}, zaptest.NewLogger(t))
	require.NoError(t, registry.Add(sess))
	t.Cleanup(sess.Disconnect)
	return game, sess, conn
}

func loggedIn(t *testing.T, loader *stubLoader) (*Game, *session.Session, *memConn) {
	t.Helper()
	game, sess, conn := newHarness(t, loader)
	require.NoError(t, game.Route(context.Background(), sess, "%xt%login%1%gary%"))
	return game, sess, conn
}

func TestRouteLogin(t *testing.T) {
	loader := &stubLoader{record: fixtureRecord()}
	game, sess, conn := newHarness(t, loader)

	err := game.Route(context.Background(), sess, "%xt%login%1%gary%")
	require.NoError(t, err)

	assert.True(t, sess.Bound())
	assert.Equal(t, 1, loader.calls)
	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "%xt%l%1%42|gary|45|5|0|0|0|0|0|0|0|0|0|0|1|1|146%", frames[0])

	// The registry now resolves the bound identity.
	assert.True(t, game.registry.Online(session.ByID(42)))
	assert.True(t, game.registry.Online(session.ByUsername("gary")))
}

func TestRouteLoginLoaderError(t *testing.T) {
	loader := &stubLoader{err: errors.New("no such player")}
	game, sess, conn := newHarness(t, loader)

	err := game.Route(context.Background(), sess, "%xt%login%1%gary%")
	require.Error(t, err)
	assert.False(t, sess.Bound())
	assert.Empty(t, conn.Frames())
}

func TestRouteLoginMissingUsername(t *testing.T) {
	loader := &stubLoader{record: fixtureRecord()}
	game, sess, conn := newHarness(t, loader)

	require.NoError(t, game.Route(context.Background(), sess, "%xt%login%1%"))
	assert.False(t, sess.Bound())
	assert.Zero(t, loader.calls)
	assert.Empty(t, conn.Frames())
}

func TestRouteUnboundCommandDisconnects(t *testing.T) {
	game, sess, conn := newHarness(t, &stubLoader{record: fixtureRecord()})

	err := game.Route(context.Background(), sess, "%xt%gp%1%")
	assert.ErrorIs(t, err, session.ErrNotBound)
	assert.Equal(t, []string{"%xt%e%-1%800%"}, conn.Frames())
	assert.Equal(t, session.Terminated, sess.State())
	assert.Equal(t, 0, game.registry.Len())
}

func TestRouteUndecodableFrameIgnored(t *testing.T) {
	game, sess, conn := newHarness(t, &stubLoader{record: fixtureRecord()})

	require.NoError(t, game.Route(context.Background(), sess, "garbage"))
	assert.Empty(t, conn.Frames())
	assert.NotEqual(t, session.Terminated, sess.State())
}

func TestRouteUnknownCommandIgnored(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})

	before := len(conn.Frames())
	require.NoError(t, game.Route(context.Background(), sess, "%xt%zz%1%"))
	assert.Len(t, conn.Frames(), before)
}

func TestRouteGetPlayer(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})

	require.NoError(t, game.Route(context.Background(), sess, "%xt%gp%3%"))
	frames := conn.Frames()
	assert.Equal(t, "%xt%gp%3%42|gary|45|5|0|0|0|0|0|0|0|0|0|0|1|1|146%", frames[len(frames)-1])
}

func TestRouteAddItem(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})

	require.NoError(t, game.Route(context.Background(), sess, "%xt%ai%1%7%"))
	assert.Equal(t, []int{7}, sess.Inventory())
	assert.Contains(t, conn.Frames(), "%xt%ai%-1%7%250%")
}

func TestRouteAddItemDuplicateDoesNotDisconnect(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})

	require.NoError(t, game.Route(context.Background(), sess, "%xt%ai%1%7%"))
	require.NoError(t, game.Route(context.Background(), sess, "%xt%ai%1%7%"))

	assert.Equal(t, []int{7}, sess.Inventory())
	assert.Contains(t, conn.Frames(), "%xt%e%-1%400%")
	assert.NotEqual(t, session.Terminated, sess.State())
}

func TestRouteAddItemPatched(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})

	require.NoError(t, game.Route(context.Background(), sess, "%xt%ai%1%900%"))
	assert.Empty(t, sess.Inventory())
	assert.Contains(t, conn.Frames(), "%xt%e%-1%410%")
	assert.NotEqual(t, session.Terminated, sess.State())
}

func TestRouteUpdateAppearance(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})

	require.NoError(t, game.Route(context.Background(), sess, "%xt%up%2%head%413%"))
	assert.Equal(t, 413, sess.Appearance().Head)
	frames := conn.Frames()
	assert.Equal(t, "%xt%up%2%head%413%", frames[len(frames)-1])
}

func TestRouteCoins(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})

	require.NoError(t, game.Route(context.Background(), sess, "%xt%ac%1%100%"))
	assert.Equal(t, 350, sess.Coins())
	frames := conn.Frames()
	assert.Equal(t, "%xt%ac%1%350%", frames[len(frames)-1])

	require.NoError(t, game.Route(context.Background(), sess, "%xt%rc%1%1000%"))
	assert.Equal(t, 0, sess.Coins())
	frames = conn.Frames()
	assert.Equal(t, "%xt%rc%1%0%", frames[len(frames)-1])
}

func TestRouteSetPosition(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})

	require.NoError(t, game.Route(context.Background(), sess, "%xt%sp%1%120%240%"))
	x, y := sess.Position()
	assert.Equal(t, 120, x)
	assert.Equal(t, 240, y)
	frames := conn.Frames()
	assert.Equal(t, "%xt%sp%1%120%240%", frames[len(frames)-1])
}

func TestRouteSetFrame(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})

	require.NoError(t, game.Route(context.Background(), sess, "%xt%sf%1%17%"))
	assert.Equal(t, 17, sess.Frame())
	frames := conn.Frames()
	assert.Equal(t, "%xt%sf%1%17%", frames[len(frames)-1])
}

func TestRouteGetInventory(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})
	require.NoError(t, game.Route(context.Background(), sess, "%xt%ai%1%12%"))
	require.NoError(t, game.Route(context.Background(), sess, "%xt%ai%1%3%"))

	require.NoError(t, game.Route(context.Background(), sess, "%xt%gi%1%"))
	frames := conn.Frames()
	assert.Equal(t, "%xt%gi%1%3%12%", frames[len(frames)-1])
}

func TestRouteBadNumericArgsIgnored(t *testing.T) {
	game, sess, conn := loggedIn(t, &stubLoader{record: fixtureRecord()})
	before := len(conn.Frames())

	require.NoError(t, game.Route(context.Background(), sess, "%xt%ai%1%seven%"))
	require.NoError(t, game.Route(context.Background(), sess, "%xt%ac%1%"))
	require.NoError(t, game.Route(context.Background(), sess, "%xt%sp%1%x%y%"))
	require.NoError(t, game.Route(context.Background(), sess, "%xt%up%1%head%"))

	assert.Len(t, conn.Frames(), before)
	assert.Equal(t, 250, sess.Coins())
	assert.Empty(t, sess.Inventory())
}

func TestRouteLoginBindsWithinDeadline(t *testing.T) {
	loader := &stubLoader{record: fixtureRecord()}
	game, sess, _ := newHarness(t, loader)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, game.Route(ctx, sess, "%xt%login%1%gary%"))
	assert.True(t, sess.Bound())
}
