// internal/cache/redis_test.go
package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/resonata-audio/resonata/internal/models"
)

// Exercises the queue format end to end against a real Redis: publish a
// record, pop it the way the archiver does, and parse it back. Skips when no
// local Redis is reachable so the rest of the suite stays runnable without
// infrastructure.
func TestPublishSessionArchiveRoundTrip(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	queue := "resonata_session_archive_test"
	t.Setenv("ARCHIVE_QUEUE_NAME", queue)
	rdb.Del(ctx, queue)
	defer rdb.Del(context.Background(), queue)

	prev := Rdb
	Rdb = rdb
	defer func() { Rdb = prev }()

	record := &models.SessionArchiveRecord{
		SessionID:         uuid.New(),
		JobID:             "job-42",
		LobbyID:           uuid.New(),
		Status:            "completed",
		CompletedSpeakers: []string{"sp-1", "sp-2"},
		UploadNames:       map[string]string{"mic-1": "rec_sp2_mic1.wav"},
		StartedAt:         time.Now().Add(-time.Minute).UnixMilli(),
		FinishedAt:        time.Now().UnixMilli(),
	}
	if err := PublishSessionArchive(ctx, record); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// res[0] is the queue name and res[1] the payload, as in the archiver.
	res, err := rdb.BLPop(ctx, time.Second, queue).Result()
	if err != nil || len(res) < 2 {
		t.Fatalf("blpop: %v (%d parts)", err, len(res))
	}
	var got models.SessionArchiveRecord
	if err := json.Unmarshal([]byte(res[1]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SessionID != record.SessionID || got.JobID != "job-42" || got.Status != "completed" {
		t.Fatalf("record mangled: %+v", got)
	}
	if len(got.CompletedSpeakers) != 2 || got.CompletedSpeakers[1] != "sp-2" {
		t.Fatalf("completed speakers mangled: %v", got.CompletedSpeakers)
	}
	if got.UploadNames["mic-1"] != "rec_sp2_mic1.wav" {
		t.Fatalf("upload names mangled: %v", got.UploadNames)
	}
}
