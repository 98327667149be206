package database

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrateUp applies all pending SQL migrations. The directory comes from
// MIGRATIONS_DIR (default "migrations") and is resolved against the working
// directory and its parent, so both `go run ./cmd/server` from the repo root
// and a binary started inside cmd/ find it.
func MigrateUp(databaseURL string) error {
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	cwd, _ := os.Getwd()
	var absDir string
	for _, d := range []string{filepath.Join(cwd, dir), filepath.Join(cwd, "..", dir)} {
		if _, err := os.Stat(d); err == nil {
			absDir, _ = filepath.Abs(d)
			break
		}
	}
	if absDir == "" {
		return fmt.Errorf("migrations dir %q not found (tried cwd and parent)", dir)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(absDir), databaseURL)
	if err != nil {
		return fmt.Errorf("migrate new: %w", err)
	}
	defer m.Close()

	switch err := m.Up(); {
	case err == nil:
		log.Println("migrate: up ok")
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("migrate: no pending migrations")
	default:
		return err
	}
	return nil
}
