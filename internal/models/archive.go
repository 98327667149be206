// internal/models/archive.go
package models

import "github.com/google/uuid"

// SessionArchiveRecord is the summary of one terminal measurement session,
// queued to Redis by the coordinator and persisted by the archiver worker.
// It is an audit record only; live session state is never restored from it.
type SessionArchiveRecord struct {
	SessionID         uuid.UUID         `json:"session_id"`
	JobID             string            `json:"job_id"`
	LobbyID           uuid.UUID         `json:"lobby_id"`
	Status            string            `json:"status"`
	CompletedSpeakers []string          `json:"completed_speakers"`
	UploadNames       map[string]string `json:"upload_names,omitempty"`
	ErrorCode         string            `json:"error_code,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	StartedAt         int64             `json:"started_at"`
	FinishedAt        int64             `json:"finished_at"`
}
