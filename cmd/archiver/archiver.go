// cmd/archiver/archiver.go is an asynchronous worker that pops terminal
// measurement-session records from a Redis queue and persists them to a
// PostgreSQL database. It also sweeps lobbies with no recent activity into
// the closed state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"

	"github.com/resonata-audio/resonata/internal/cache"
	"github.com/resonata-audio/resonata/internal/database"
	"github.com/resonata-audio/resonata/internal/models"
)

// ArchiverService encapsulates the Redis + DB logic for persisting session
// archives and closing abandoned lobbies.
type ArchiverService struct {
	redisClient *redis.Client
	queueName   string
	batchSize   int
	flushDelay  time.Duration
	staleAfter  time.Duration
	sweepEvery  time.Duration

	batchMu  sync.Mutex
	batch    []models.SessionArchiveRecord
	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewArchiverService constructs an ArchiverService from environment variables
// or defaults.
func NewArchiverService() *ArchiverService {
	batchSize := getEnvInt("ARCHIVER_BATCH_SIZE", 20)
	flushMs := getEnvInt("ARCHIVER_FLUSH_MS", 500)
	staleSec := getEnvInt("LOBBY_STALE_TIMEOUT_SEC", 7200) // default 2 h
	sweepSec := getEnvInt("ARCHIVER_SWEEP_SEC", 300)

	rdb := redis.NewClient(&redis.Options{
		Addr: getEnv("REDIS_ADDR", "localhost:6379"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &ArchiverService{
		redisClient: rdb,
		queueName:   getEnv("ARCHIVE_QUEUE_NAME", cache.DefaultQueueName),
		batchSize:   batchSize,
		flushDelay:  time.Duration(flushMs) * time.Millisecond,
		staleAfter:  time.Duration(staleSec) * time.Second,
		sweepEvery:  time.Duration(sweepSec) * time.Second,
		batch:       make([]models.SessionArchiveRecord, 0, batchSize),
		ctx:         ctx,
		cancelFn:    cancel,
	}
}

// Run starts the two main loops:
//  1. A loop that reads from the Redis queue, accumulates records in a batch,
//     and flushes them to the DB.
//  2. A periodic sweep that closes lobbies whose newest event is older than
//     the staleness threshold.
//
// Run blocks until Stop is called, then flushes whatever is still buffered.
func (as *ArchiverService) Run() {
	database.ConnectDB()

	go as.readQueueLoop()
	go as.sweepLoop()

	log.Println("resonata-archiver service started.")
	<-as.ctx.Done()
	as.flush()
	log.Println("resonata-archiver shutting down.")
}

// readQueueLoop continuously uses BLPop to retrieve archive records from the
// Redis queue.
func (as *ArchiverService) readQueueLoop() {
	ticker := time.NewTicker(as.flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-as.ctx.Done():
			return

		case <-ticker.C:
			as.flush()

		default:
			// BLPop with a 3-second timeout so context cancellation is handled.
			res, err := as.redisClient.BLPop(as.ctx, 3*time.Second, as.queueName).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				if as.ctx.Err() != nil {
					return
				}
				log.Printf("[ERROR] BLPop: %v\n", err)
				continue
			}
			if len(res) < 2 {
				// No record popped.
				continue
			}

			// res[0] is the queue name and res[1] the payload.
			var record models.SessionArchiveRecord
			if err := json.Unmarshal([]byte(res[1]), &record); err != nil {
				log.Printf("invalid archive record: %v\n", err)
				continue
			}
			as.appendRecord(record)
		}
	}
}

// appendRecord adds a record to the in-memory batch and flushes when the
// threshold is reached.
func (as *ArchiverService) appendRecord(record models.SessionArchiveRecord) {
	as.batchMu.Lock()
	defer as.batchMu.Unlock()

	as.batch = append(as.batch, record)
	if len(as.batch) >= as.batchSize {
		as.flushUnsafe()
	}
}

// flush empties the current batch into the database.
func (as *ArchiverService) flush() {
	as.batchMu.Lock()
	defer as.batchMu.Unlock()
	as.flushUnsafe()
}

// flushUnsafe assumes batchMu is held.
func (as *ArchiverService) flushUnsafe() {
	if len(as.batch) == 0 {
		return
	}
	batchCopy := make([]models.SessionArchiveRecord, len(as.batch))
	copy(batchCopy, as.batch)
	as.batch = as.batch[:0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := database.InsertSessionArchives(ctx, batchCopy); err != nil {
		log.Printf("[ERROR] flush archive batch: %v\n", err)
	} else {
		log.Printf("Flushed %d session archives to DB.\n", len(batchCopy))
	}
}

// sweepLoop periodically closes lobbies that have seen no events within the
// staleness threshold. Closing appends a lobby_closed event, so a swept lobby
// never matches the staleness query twice.
func (as *ArchiverService) sweepLoop() {
	ticker := time.NewTicker(as.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-as.ctx.Done():
			return

		case <-ticker.C:
			as.sweepStaleLobbies()
		}
	}
}

func (as *ArchiverService) sweepStaleLobbies() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-as.staleAfter)
	ids, err := database.ListStaleLobbies(ctx, cutoff)
	if err != nil {
		log.Printf("[ERROR] list stale lobbies: %v\n", err)
		return
	}

	for _, id := range ids {
		ev := &models.LobbyEvent{
			LobbyID:   id,
			Type:      models.EventLobbyClosed,
			Payload:   map[string]interface{}{"reason": "inactivity"},
			CreatedAt: time.Now().UTC(),
		}
		if err := database.CloseLobbyWithEvent(ctx, id, ev); err != nil {
			log.Printf("failed to close stale lobby %v: %v\n", id, err)
			continue
		}
		log.Printf("Closed lobby %v due to inactivity.\n", id)
	}
}

// Stop gracefully stops the archiver service.
func (as *ArchiverService) Stop() {
	as.cancelFn()
}

// main is the entrypoint.
func main() {
	as := NewArchiverService()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		as.Stop()
	}()

	as.Run()
	log.Println("Archiver shutdown complete.")
}

// getEnv retrieves an environment variable's value or returns a default.
func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}

// getEnvInt retrieves an integer value from an environment variable or returns
// a default value.
func getEnvInt(key string, defVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defVal
	}
	return i
}
