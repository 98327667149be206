package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/resonata-audio/resonata/internal/models"
)

const participantColumns = `
	id, lobby_id, device_id, role, role_slot_id, role_slot_label,
	status, joined_at, left_at
`

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(
		&p.ID, &p.LobbyID, &p.DeviceID, &p.Role, &p.SlotID, &p.SlotLabel,
		&p.Status, &p.JoinedAt, &p.LeftAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// GetParticipant fetches the membership row for one device in one lobby,
// regardless of joined/left status. ErrNotFound if the device never joined.
func GetParticipant(ctx context.Context, lobbyID uuid.UUID, deviceID string) (*models.Participant, error) {
	q := `SELECT ` + participantColumns + ` FROM participants WHERE lobby_id = $1 AND device_id = $2`
	return scanParticipant(DB.QueryRow(ctx, q, lobbyID, deviceID))
}

// ListParticipants returns every membership row of the lobby in join order.
func ListParticipants(ctx context.Context, lobbyID uuid.UUID) ([]models.Participant, error) {
	q := `SELECT ` + participantColumns + ` FROM participants WHERE lobby_id = $1 ORDER BY joined_at, id`
	rows, err := DB.Query(ctx, q, lobbyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(
			&p.ID, &p.LobbyID, &p.DeviceID, &p.Role, &p.SlotID, &p.SlotLabel,
			&p.Status, &p.JoinedAt, &p.LeftAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func insertParticipantTx(ctx context.Context, tx pgx.Tx, p *models.Participant) error {
	q := `
	INSERT INTO participants (
		id, lobby_id, device_id, role, role_slot_id, role_slot_label,
		status, joined_at, left_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, q,
		p.ID, p.LobbyID, p.DeviceID, p.Role, p.SlotID, p.SlotLabel,
		p.Status, p.JoinedAt, p.LeftAt,
	)
	return err
}

// JoinLobby inserts a fresh participant row and the participant_joined event.
func JoinLobby(ctx context.Context, p *models.Participant, ev *models.LobbyEvent) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := insertParticipantTx(ctx, tx, p); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, ev)
	})
}

// ReactivateParticipant flips a left row back to joined (reconnection path)
// and appends the participant_joined event.
func ReactivateParticipant(ctx context.Context, participantID uuid.UUID, ev *models.LobbyEvent) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
		UPDATE participants
		SET status = $2, left_at = NULL
		WHERE id = $1
		`
		if _, err := tx.Exec(ctx, q, participantID, models.ParticipantJoined); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, ev)
	})
}

// MarkParticipantLeft flips a joined row to left and appends the
// participant_left event.
func MarkParticipantLeft(ctx context.Context, participantID uuid.UUID, leftAt time.Time, ev *models.LobbyEvent) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
		UPDATE participants
		SET status = $2, left_at = $3
		WHERE id = $1
		`
		if _, err := tx.Exec(ctx, q, participantID, models.ParticipantLeft, leftAt); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, ev)
	})
}

// AssignParticipantRole updates role and slot fields and appends the
// role_assigned event. Role none is stored with empty slot fields.
func AssignParticipantRole(ctx context.Context, participantID uuid.UUID, role, slotID, slotLabel string, ev *models.LobbyEvent) error {
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
		UPDATE participants
		SET role = $2, role_slot_id = $3, role_slot_label = $4
		WHERE id = $1
		`
		if _, err := tx.Exec(ctx, q, participantID, role, slotID, slotLabel); err != nil {
			return err
		}
		return appendEventTx(ctx, tx, ev)
	})
}
