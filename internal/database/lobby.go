package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/resonata-audio/resonata/internal/models"
)

// CreateLobby inserts the lobby row, the creator's participant row and the
// lobby_created event in one transaction. A unique-code violation surfaces as
// an error so the caller can regenerate and retry.
func CreateLobby(ctx context.Context, lobby *models.Lobby, creator *models.Participant, ev *models.LobbyEvent) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
		INSERT INTO lobbies (id, code, creator_device_id, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		`
		if _, err := tx.Exec(ctx, q,
			lobby.ID, lobby.Code, lobby.CreatorDeviceID, lobby.State, lobby.CreatedAt,
		); err != nil {
			return err
		}
		if err := insertParticipantTx(ctx, tx, creator); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, ev)
	})
}

// GetLobbyByID fetches a lobby by UUID, ErrNotFound if absent.
func GetLobbyByID(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	q := `
	SELECT id, code, creator_device_id, state, created_at
	FROM lobbies
	WHERE id = $1
	`
	var l models.Lobby
	err := DB.QueryRow(ctx, q, lobbyID).Scan(
		&l.ID, &l.Code, &l.CreatorDeviceID, &l.State, &l.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

// GetLobbyByCode fetches a lobby by its join code, ErrNotFound if absent.
func GetLobbyByCode(ctx context.Context, code string) (*models.Lobby, error) {
	q := `
	SELECT id, code, creator_device_id, state, created_at
	FROM lobbies
	WHERE code = $1
	`
	var l models.Lobby
	err := DB.QueryRow(ctx, q, code).Scan(
		&l.ID, &l.Code, &l.CreatorDeviceID, &l.State, &l.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

// LobbyCodeInUse reports whether any lobby already owns the given code.
func LobbyCodeInUse(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM lobbies WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}

// SetLobbyState updates the lobby's lifecycle state.
func SetLobbyState(ctx context.Context, lobbyID uuid.UUID, state string) error {
	tag, err := DB.Exec(ctx, `UPDATE lobbies SET state = $2 WHERE id = $1`, lobbyID, state)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseLobbyWithEvent flips the lobby to closed and appends the lobby_closed
// event atomically.
func CloseLobbyWithEvent(ctx context.Context, lobbyID uuid.UUID, ev *models.LobbyEvent) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE lobbies SET state = $2 WHERE id = $1`,
			lobbyID, models.LobbyStateClosed,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return appendEventTx(ctx, tx, ev)
	})
}
