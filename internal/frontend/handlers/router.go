// Package handlers implements the packet router that interprets decoded XT
// frames and drives session operations.
package handlers

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/waddlerhq/waddler/internal/game/session"
	"github.com/waddlerhq/waddler/internal/protocol"
)

// PlayerLoader loads bind records for the login flow.
type PlayerLoader interface {
	PlayerByUsername(ctx context.Context, username string) (*session.Record, error)
}

// Game routes XT packets to session operations. One instance serves all
// connections; it holds no per-session state.
type Game struct {
	players  PlayerLoader
	registry *session.Registry
	logger   *zap.Logger
}

// NewGame creates the game packet router.
//
// Precondition: players, registry, and logger must be non-nil.
func NewGame(players PlayerLoader, registry *session.Registry, logger *zap.Logger) *Game {
	return &Game{
		players:  players,
		registry: registry,
		logger:   logger,
	}
}

// Route decodes one frame and dispatches it. Unknown commands are logged
// and ignored; commands that assume identity on an unbound session get
// error 800 and a disconnect.
func (g *Game) Route(ctx context.Context, sess *session.Session, frame string) error {
	pkt, err := protocol.Parse(frame)
	if err != nil {
		g.logger.Warn("undecodable frame", zap.String("frame", frame), zap.Error(err))
		return nil
	}

	if pkt.Command == "login" {
		return g.handleLogin(ctx, sess, pkt)
	}

	if !sess.Bound() {
		sess.SendError(protocol.CodeIdentityNotReady, true)
		return session.ErrNotBound
	}

	switch pkt.Command {
	case "gp":
		return g.handleGetPlayer(sess, pkt)
	case "ai":
		return g.handleAddItem(sess, pkt)
	case "up":
		return g.handleUpdateAppearance(sess, pkt)
	case "ac":
		return g.handleCoins(sess, pkt, sess.AddCoins)
	case "rc":
		return g.handleCoins(sess, pkt, sess.RemoveCoins)
	case "sp":
		return g.handleSetPosition(sess, pkt)
	case "sf":
		return g.handleSetFrame(sess, pkt)
	case "gi":
		return g.handleGetInventory(sess, pkt)
	default:
		g.logger.Debug("unhandled command", zap.String("command", pkt.Command))
		return nil
	}
}

// handleLogin binds the session to a previously stored identity record and
// replies with the player string.
func (g *Game) handleLogin(ctx context.Context, sess *session.Session, pkt protocol.Packet) error {
	if len(pkt.Args) < 1 || pkt.Args[0] == "" {
		g.logger.Warn("login without username")
		return nil
	}
	username := pkt.Args[0]

	record, err := g.players.PlayerByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("loading record for %q: %w", username, err)
	}

	sess.Bind(*record)
	g.registry.Index(sess)

	player, err := sess.PlayerString()
	if err != nil {
		return err
	}
	sess.SendXT("l", pkt.Channel, player)
	return nil
}

func (g *Game) handleGetPlayer(sess *session.Session, pkt protocol.Packet) error {
	player, err := sess.PlayerString()
	if err != nil {
		return err
	}
	sess.SendXT("gp", pkt.Channel, player)
	return nil
}

func (g *Game) handleAddItem(sess *session.Session, pkt protocol.Packet) error {
	item, ok := g.intArg(pkt, 0)
	if !ok {
		return nil
	}
	// AddItem reports validation to the client itself (codes 400/410).
	_ = sess.AddItem(item)
	return nil
}

func (g *Game) handleUpdateAppearance(sess *session.Session, pkt protocol.Packet) error {
	if len(pkt.Args) < 2 {
		g.logger.Warn("up packet missing args")
		return nil
	}
	item, err := strconv.Atoi(pkt.Args[1])
	if err != nil {
		g.logger.Warn("bad item id", zap.String("arg", pkt.Args[1]))
		return nil
	}
	sess.UpdateAppearance(session.Slot(pkt.Args[0]), item)
	sess.SendXT("up", pkt.Channel, pkt.Args[0], item)
	return nil
}

func (g *Game) handleCoins(sess *session.Session, pkt protocol.Packet, apply func(int)) error {
	amount, ok := g.intArg(pkt, 0)
	if !ok {
		return nil
	}
	apply(amount)
	sess.SendXT(pkt.Command, pkt.Channel, sess.Coins())
	return nil
}

func (g *Game) handleSetPosition(sess *session.Session, pkt protocol.Packet) error {
	if len(pkt.Args) < 2 {
		g.logger.Warn("sp packet missing args")
		return nil
	}
	x, errX := strconv.Atoi(pkt.Args[0])
	y, errY := strconv.Atoi(pkt.Args[1])
	if errX != nil || errY != nil {
		g.logger.Warn("bad coordinates", zap.Strings("args", pkt.Args))
		return nil
	}
	sess.SetPosition(x, y)
	sess.SendXT("sp", pkt.Channel, x, y)
	return nil
}

func (g *Game) handleSetFrame(sess *session.Session, pkt protocol.Packet) error {
	frame, ok := g.intArg(pkt, 0)
	if !ok {
		return nil
	}
	sess.SetFrame(frame)
	sess.SendXT("sf", pkt.Channel, frame)
	return nil
}

func (g *Game) handleGetInventory(sess *session.Session, pkt protocol.Packet) error {
	items := sess.Inventory()
	args := make([]any, len(items))
	for i, item := range items {
		args[i] = item
	}
	sess.SendXT("gi", pkt.Channel, args...)
	return nil
}

// intArg parses the packet's arg at idx, logging and reporting failure.
func (g *Game) intArg(pkt protocol.Packet, idx int) (int, bool) {
	if len(pkt.Args) <= idx {
		g.logger.Warn("packet missing arg", zap.String("command", pkt.Command), zap.Int("idx", idx))
		return 0, false
	}
	v, err := strconv.Atoi(pkt.Args[idx])
	if err != nil {
		g.logger.Warn("bad numeric arg", zap.String("command", pkt.Command), zap.String("arg", pkt.Args[idx]))
		return 0, false
	}
	return v, true
}
