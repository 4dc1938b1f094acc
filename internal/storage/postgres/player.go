package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/waddlerhq/waddler/internal/game/session"
)

// ErrPlayerNotFound is returned when a player lookup yields no results.
var ErrPlayerNotFound = errors.New("player not found")

// playerColumns whitelists the columns UpdateColumn may touch on the
// players table. The dynamic column name never comes from the wire.
var playerColumns = map[string]bool{
	"coins": true,
	"rank":  true,
	"color": true,
	"head":  true,
	"face":  true,
	"neck":  true,
	"body":  true,
	"hand":  true,
	"feet":  true,
	"pin":   true,
	"photo": true,
}

// PlayerRepository provides player persistence: bind-record loads plus the
// get-column/update-column gateway contract consumed by sessions.
type PlayerRepository struct {
	db *pgxpool.Pool
}

// NewPlayerRepository creates a PlayerRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPlayerRepository(db *pgxpool.Pool) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// PlayerByUsername loads the bind record for the given username.
//
// Postcondition: Returns the record or ErrPlayerNotFound.
func (r *PlayerRepository) PlayerByUsername(ctx context.Context, username string) (*session.Record, error) {
	var rec session.Record
	err := r.db.QueryRow(ctx, `
		SELECT id, username, registrationdate, coins,
		       color, head, face, neck, body, hand, feet, pin, photo,
		       rank, moderator
		FROM players WHERE username = $1`,
		username,
	).Scan(
		&rec.ID, &rec.Username, &rec.RegistrationDate, &rec.Coins,
		&rec.Color, &rec.Head, &rec.Face, &rec.Neck, &rec.Body,
		&rec.Hand, &rec.Feet, &rec.Pin, &rec.Photo,
		&rec.Rank, &rec.Moderator,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlayerNotFound
		}
		return nil, fmt.Errorf("loading player %q: %w", username, err)
	}
	return &rec, nil
}

// GetColumn returns the values of column for the player, one per row.
// An empty table selects the players table; table "inventory" selects the
// per-item inventory rows.
//
// Postcondition: Returns a slice (may be empty) or a non-nil error.
func (r *PlayerRepository) GetColumn(ctx context.Context, playerID int, column, table string) ([]string, error) {
	switch table {
	case "", "players":
		if !playerColumns[column] {
			return nil, fmt.Errorf("column %q not readable", column)
		}
		var value string
		err := r.db.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s::text FROM players WHERE id = $1`, column),
			playerID,
		).Scan(&value)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrPlayerNotFound
			}
			return nil, fmt.Errorf("reading players.%s: %w", column, err)
		}
		return []string{value}, nil

	case "inventory":
		if column != "itemid" {
			return nil, fmt.Errorf("column %q not readable on inventory", column)
		}
		rows, err := r.db.Query(ctx,
			`SELECT itemid::text FROM inventory WHERE player_id = $1 ORDER BY itemid ASC`,
			playerID,
		)
		if err != nil {
			return nil, fmt.Errorf("reading inventory: %w", err)
		}
		defer rows.Close()

		values := make([]string, 0)
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return nil, fmt.Errorf("scanning inventory row: %w", err)
			}
			values = append(values, v)
		}
		return values, rows.Err()

	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
}

// UpdateColumn writes value into column for the player. The "inventory"
// column is special-cased: the value is the full item-id set and the
// inventory rows are rewritten in one transaction so reads stay consistent
// with writes.
//
// Postcondition: Returns nil on success; the caller does not retry.
func (r *PlayerRepository) UpdateColumn(ctx context.Context, playerID int, column string, value any, table string) error {
	if table != "" && table != "players" {
		return fmt.Errorf("unknown table %q", table)
	}

	if column == "inventory" {
		items, ok := value.([]int)
		if !ok {
			return fmt.Errorf("inventory update requires []int, got %T", value)
		}
		return r.replaceInventory(ctx, playerID, items)
	}

	if !playerColumns[column] {
		return fmt.Errorf("column %q not writable", column)
	}

	tag, err := r.db.Exec(ctx,
		fmt.Sprintf(`UPDATE players SET %s = $1 WHERE id = $2`, column),
		value, playerID,
	)
	if err != nil {
		return fmt.Errorf("updating players.%s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

func (r *PlayerRepository) replaceInventory(ctx context.Context, playerID int, items []int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning inventory rewrite: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM inventory WHERE player_id = $1`, playerID); err != nil {
		return fmt.Errorf("clearing inventory: %w", err)
	}
	for _, item := range items {
		if _, err := tx.Exec(ctx,
			`INSERT INTO inventory (player_id, itemid) VALUES ($1, $2)`,
			playerID, item,
		); err != nil {
			return fmt.Errorf("inserting inventory item %d: %w", item, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing inventory rewrite: %w", err)
	}
	return nil
}
