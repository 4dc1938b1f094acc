package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/waddlerhq/waddler/internal/protocol"
)

// PlayerString builds the canonical pipe-delimited public state of the
// player: id|username|45|slots|x|y|frame|1|rank*146.
//
// Postcondition: Returns the player string, or sends error 800, disconnects,
// and returns ErrNotBound when the session has no identity.
func (s *Session) PlayerString() (string, error) {
	s.mu.Lock()
	if s.id == 0 || s.username == "" {
		s.mu.Unlock()
		s.SendError(protocol.CodeIdentityNotReady, true)
		return "", ErrNotBound
	}
	fields := []any{
		s.id,
		s.username,
		45, // legacy client field
		s.look.Color,
		s.look.Head,
		s.look.Face,
		s.look.Neck,
		s.look.Body,
		s.look.Hand,
		s.look.Feet,
		s.look.Pin,
		s.look.Photo,
		s.x,
		s.y,
		s.frame,
		1, // legacy client field
		s.rank * rankMultiplier,
	}
	s.mu.Unlock()

	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%v", f)
	}
	return strings.Join(parts, "|"), nil
}

// UpdateAppearance sets the slot in memory and persists it asynchronously.
// Persistence failure is logged, never surfaced to the caller.
func (s *Session) UpdateAppearance(slot Slot, item int) {
	s.mu.Lock()
	switch slot {
	case SlotColor:
		s.look.Color = item
	case SlotHead:
		s.look.Head = item
	case SlotFace:
		s.look.Face = item
	case SlotNeck:
		s.look.Neck = item
	case SlotBody:
		s.look.Body = item
	case SlotHand:
		s.look.Hand = item
	case SlotFeet:
		s.look.Feet = item
	case SlotPin:
		s.look.Pin = item
	case SlotPhoto:
		s.look.Photo = item
	default:
		s.mu.Unlock()
		s.logger.Warn("unknown appearance slot", zap.String("slot", string(slot)))
		return
	}
	id := s.id
	s.mu.Unlock()

	s.persistColumn(id, string(slot), item, "")
}

// AddCoins credits the balance and persists it asynchronously.
// A negative amount that would take the balance below zero clamps at zero.
func (s *Session) AddCoins(amount int) {
	s.adjustCoins(amount)
}

// RemoveCoins debits the balance, clamping at zero, and persists it
// asynchronously.
func (s *Session) RemoveCoins(amount int) {
	s.adjustCoins(-amount)
}

func (s *Session) adjustCoins(delta int) {
	s.mu.Lock()
	s.coins += delta
	if s.coins < 0 {
		s.coins = 0
	}
	id, coins := s.id, s.coins
	s.mu.Unlock()

	s.persistColumn(id, "coins", coins, "")
}

// AddItem inserts the item into the inventory, persists the inventory
// asynchronously, and announces the update on the unsolicited channel.
//
// Postcondition: Returns ErrItemPatched (error frame 410) for a patched
// item, ErrItemDuplicate (error frame 400) for an owned item; in both cases
// nothing is mutated. Neither error disconnects.
func (s *Session) AddItem(item int) error {
	if s.patched[item] {
		s.SendError(protocol.CodeItemPatched, false)
		return ErrItemPatched
	}

	s.mu.Lock()
	if s.inventory[item] {
		s.mu.Unlock()
		s.SendError(protocol.CodeItemDuplicate, false)
		return ErrItemDuplicate
	}
	s.inventory[item] = true
	id, coins := s.id, s.coins
	items := s.inventorySnapshot()
	s.mu.Unlock()

	s.persistColumn(id, "inventory", items, "")
	s.SendXT("ai", protocol.UnsolicitedChannel, item, coins)
	return nil
}

// persistColumn enqueues an ordered, fire-and-forget gateway write.
func (s *Session) persistColumn(playerID int, column string, value any, table string) {
	s.queue.enqueue(func(ctx context.Context) {
		if err := s.gateway.UpdateColumn(ctx, playerID, column, value, table); err != nil {
			s.logger.Error("persisting column",
				zap.Int("player_id", playerID),
				zap.String("column", column),
				zap.Error(err),
			)
		}
	})
}

// SendXT encodes an XT packet and writes it as one frame.
func (s *Session) SendXT(command string, channel int, args ...any) {
	s.SendRaw(protocol.Encode(command, channel, args...))
}

// SendError writes the error frame for code; when disconnect is true the
// session is torn down immediately after the write.
func (s *Session) SendError(code int, disconnect bool) {
	s.SendRaw(protocol.EncodeError(code))
	if disconnect {
		s.Disconnect()
	}
}

// SendBatch writes a sequence of pre-encoded frames in order.
func (s *Session) SendBatch(frames []string) {
	for _, frame := range frames {
		s.SendRaw(frame)
	}
}

// SendRaw writes one frame to the transport. Delivery is best effort: when
// the transport is no longer writable this is a silent no-op.
func (s *Session) SendRaw(payload string) {
	if !s.conn.Writable() {
		return
	}
	s.logger.Debug("outgoing", zap.String("frame", payload))
	if err := s.conn.WriteFrame(payload); err != nil {
		s.logger.Debug("writing frame", zap.Error(err))
	}
}

// Disconnect removes the session from its registry, closing the transport
// and stopping the persistence queue. Idempotent; safe before admission.
func (s *Session) Disconnect() {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()

	if reg != nil {
		reg.Remove(s)
		return
	}
	s.terminate()
}

// terminate releases the transport and persistence queue and marks the
// session Terminated. Called by the registry (or Disconnect when the session
// was never admitted).
func (s *Session) terminate() {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return
	}
	s.state = Terminated
	s.mu.Unlock()

	s.queue.close()
	_ = s.conn.Close()
}
