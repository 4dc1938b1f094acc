// Package session provides the per-connection player session, the registry
// of live sessions, and the asynchronous persistence queue that mirrors
// in-memory mutations to the gateway.
package session

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sentinel errors for session operations.
var (
	// ErrNotBound is returned when an identity-requiring operation runs on
	// an unbound session.
	ErrNotBound = errors.New("session not bound to an identity")
	// ErrItemPatched is returned when adding an administratively disabled item.
	ErrItemPatched = errors.New("item is patched")
	// ErrItemDuplicate is returned when adding an item the player already owns.
	ErrItemDuplicate = errors.New("item already owned")
)

// State is the session lifecycle state.
type State int

const (
	// Unbound is the state between accept and Bind.
	Unbound State = iota
	// Bound means the session is addressable by identity.
	Bound
	// Terminated means the session has been removed and its transport released.
	Terminated
)

// Transport is the byte-stream connection a session writes frames to.
// Implementations append the frame delimiter.
type Transport interface {
	// WriteFrame writes one frame payload followed by the delimiter.
	WriteFrame(payload string) error
	// Writable reports whether the transport can still accept writes.
	Writable() bool
	// Close releases the transport. Must be safe to call more than once.
	Close() error
	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}

// Gateway is the persistence boundary consumed by sessions. Calls may fail;
// the session never awaits or retries them beyond the per-session queue.
type Gateway interface {
	// GetColumn returns the values of column for the player, one per row.
	// An empty table selects the primary player table.
	GetColumn(ctx context.Context, playerID int, column, table string) ([]string, error)
	// UpdateColumn writes value into column for the player.
	UpdateColumn(ctx context.Context, playerID int, column string, value any, table string) error
}

// Record is the externally supplied identity row a session is bound to.
type Record struct {
	ID       int
	Username string
	// RegistrationDate is days since the Unix epoch.
	RegistrationDate int
	Coins            int
	Color            int
	Head             int
	Face             int
	Neck             int
	Body             int
	Hand             int
	Feet             int
	Pin              int
	Photo            int
	Rank             int
	Moderator        bool
}

// Appearance holds the equipped-item slots.
type Appearance struct {
	Color int
	Head  int
	Face  int
	Neck  int
	Body  int
	Hand  int
	Feet  int
	Pin   int
	Photo int
}

// Slot names an appearance slot for updates and persistence.
type Slot string

// Appearance slots. The slot name doubles as the persisted column name.
const (
	SlotColor Slot = "color"
	SlotHead  Slot = "head"
	SlotFace  Slot = "face"
	SlotNeck  Slot = "neck"
	SlotBody  Slot = "body"
	SlotHand  Slot = "hand"
	SlotFeet  Slot = "feet"
	SlotPin   Slot = "pin"
	SlotPhoto Slot = "photo"
)

// rankMultiplier scales the rank field in the player string for the client.
const rankMultiplier = 146

// Session is the server-side representation of one connected player.
// Mutating methods are safe for concurrent use; persistence side effects
// are issued in order through a per-session queue.
type Session struct {
	// ConnID identifies the connection before (and independent of) identity.
	ConnID string

	conn    Transport
	logger  *zap.Logger
	gateway Gateway
	patched map[int]bool
	queue   *writeQueue

	mu        sync.Mutex
	state     State
	id        int
	username  string
	age       int
	coins     int
	rank      int
	moderator bool
	look      Appearance
	inventory map[int]bool
	x, y      int
	frame     int

	// registry is set when the session is admitted; Disconnect routes
	// removal through it so teardown stays idempotent.
	registry *Registry
}

// New creates an unbound session over the given transport.
//
// Precondition: conn, gateway, and logger must be non-nil. patched may be nil.
// Postcondition: Returns a session in the Unbound state with an empty inventory.
func New(conn Transport, gateway Gateway, patched map[int]bool, logger *zap.Logger) *Session {
	connID := uuid.NewString()
	return &Session{
		ConnID:    connID,
		conn:      conn,
		logger:    logger.With(zap.String("conn_id", connID)),
		gateway:   gateway,
		patched:   patched,
		queue:     newWriteQueue(connID, logger),
		inventory: make(map[int]bool),
		frame:     1,
	}
}

// daysSinceEpoch returns the current day count in the same unit as
// Record.RegistrationDate.
func daysSinceEpoch(now time.Time) int {
	return int(now.Unix() / 86400)
}

// Bind populates identity, appearance, and progression from the record,
// computes the derived age, and triggers the asynchronous inventory load.
//
// Postcondition: The session is Bound and addressable by identity. The
// inventory load completes independently; on failure it is logged and the
// inventory is left as-is.
func (s *Session) Bind(record Record) {
	s.mu.Lock()
	s.id = record.ID
	s.username = record.Username
	s.age = daysSinceEpoch(time.Now()) - record.RegistrationDate
	s.coins = record.Coins
	s.look = Appearance{
		Color: record.Color,
		Head:  record.Head,
		Face:  record.Face,
		Neck:  record.Neck,
		Body:  record.Body,
		Hand:  record.Hand,
		Feet:  record.Feet,
		Pin:   record.Pin,
		Photo: record.Photo,
	}
	s.rank = record.Rank
	s.moderator = record.Moderator
	s.x, s.y = 0, 0
	s.frame = 1
	s.state = Bound
	s.mu.Unlock()

	s.loadInventory(record.ID)
}

// loadInventory queries the gateway for the player's item ids and populates
// the inventory set on completion.
func (s *Session) loadInventory(playerID int) {
	s.queue.enqueue(func(ctx context.Context) {
		rows, err := s.gateway.GetColumn(ctx, playerID, "itemid", "inventory")
		if err != nil {
			s.logger.Error("loading inventory", zap.Int("player_id", playerID), zap.Error(err))
			return
		}
		items := make([]int, 0, len(rows))
		for _, row := range rows {
			item, err := strconv.Atoi(row)
			if err != nil {
				s.logger.Error("bad inventory row", zap.String("row", row), zap.Error(err))
				continue
			}
			items = append(items, item)
		}
		s.mu.Lock()
		for _, item := range items {
			s.inventory[item] = true
		}
		s.mu.Unlock()
	})
}

// Bound reports whether the session has been bound to an identity.
func (s *Session) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Bound
}

// State returns the session lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the bound numeric identity, or 0 when unbound.
func (s *Session) ID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Username returns the bound username, or "" when unbound.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Coins returns the current coin balance.
func (s *Session) Coins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coins
}

// Age returns the derived age in days, computed at bind time.
func (s *Session) Age() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.age
}

// Moderator reports whether the bound record carries the moderator flag.
func (s *Session) Moderator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moderator
}

// Appearance returns a copy of the equipped-item slots.
func (s *Session) Appearance() Appearance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.look
}

// Position returns the current x/y coordinates.
func (s *Session) Position() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y
}

// SetPosition updates the transient x/y coordinates. Not persisted.
func (s *Session) SetPosition(x, y int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.x, s.y = x, y
}

// Frame returns the current facing/animation frame.
func (s *Session) Frame() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// SetFrame updates the transient facing/animation frame. Not persisted.
func (s *Session) SetFrame(frame int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = frame
}

// Inventory returns the owned item ids in ascending order.
func (s *Session) Inventory() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventorySnapshot()
}

// inventorySnapshot returns a sorted copy of the inventory.
// Caller must hold s.mu.
func (s *Session) inventorySnapshot() []int {
	items := make([]int, 0, len(s.inventory))
	for item := range s.inventory {
		items = append(items, item)
	}
	sort.Ints(items)
	return items
}

// HasItem reports whether the player owns the given item.
func (s *Session) HasItem(item int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventory[item]
}
