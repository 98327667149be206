package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/resonata-audio/resonata/internal/models"
)

func appendEventTx(ctx context.Context, tx pgx.Tx, ev *models.LobbyEvent) error {
	if ev == nil {
		return nil
	}
	q := `
	INSERT INTO lobby_events (lobby_id, type, payload, created_at)
	VALUES ($1, $2, $3, $4)
	RETURNING id
	`
	return tx.QueryRow(ctx, q, ev.LobbyID, ev.Type, ev.Payload, ev.CreatedAt).Scan(&ev.ID)
}

// AppendLobbyEvent inserts a single event outside any other mutation. Used by
// the coordinator for session lifecycle markers.
func AppendLobbyEvent(ctx context.Context, ev *models.LobbyEvent) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return appendEventTx(ctx, tx, ev)
	})
}

// ListLobbyEvents returns events with id > afterID in insertion order.
// limit <= 0 means no limit.
func ListLobbyEvents(ctx context.Context, lobbyID uuid.UUID, afterID int64, limit int) ([]models.LobbyEvent, error) {
	q := `
	SELECT id, lobby_id, type, payload, created_at
	FROM lobby_events
	WHERE lobby_id = $1 AND id > $2
	ORDER BY id
	`
	args := []interface{}{lobbyID, afterID}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LobbyEvent
	for rows.Next() {
		var ev models.LobbyEvent
		if err := rows.Scan(&ev.ID, &ev.LobbyID, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
