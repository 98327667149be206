package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/resonata-audio/resonata/internal/models"
)

// InsertSessionArchives persists a batch of terminal-session summaries in one
// transaction. Duplicate session IDs (redelivered queue entries) are skipped.
func InsertSessionArchives(ctx context.Context, records []models.SessionArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
		INSERT INTO measurement_archive (
			session_id, job_id, lobby_id, status, completed_speakers,
			upload_names, error_code, error_message, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO NOTHING
		`
		for _, r := range records {
			_, err := tx.Exec(ctx, q,
				r.SessionID, r.JobID, r.LobbyID, r.Status, r.CompletedSpeakers,
				r.UploadNames, r.ErrorCode, r.ErrorMessage,
				time.UnixMilli(r.StartedAt).UTC(), time.UnixMilli(r.FinishedAt).UTC(),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListStaleLobbies returns IDs of non-closed lobbies whose newest event (or
// creation, for lobbies with no events) is older than the cutoff.
func ListStaleLobbies(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	q := `
	SELECT l.id
	FROM lobbies l
	LEFT JOIN LATERAL (
		SELECT max(created_at) AS last_event
		FROM lobby_events e
		WHERE e.lobby_id = l.id
	) ev ON true
	WHERE l.state <> $1
	  AND COALESCE(ev.last_event, l.created_at) < $2
	`
	rows, err := DB.Query(ctx, q, models.LobbyStateClosed, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
