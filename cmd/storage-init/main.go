package main

import (
	"context"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/journal"
	"github.com/amelbenhazem/task-ws-api/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	ctx := context.Background()

	tasks := envOr("TASKS_TABLE", "Tasks")
	users := envOr("USERS_TABLE", "Users")
	if err := storage.EnsureTables(ctx, connStr, tasks, users); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	log.WithFields(log.Fields{"tasks": tasks, "users": users}).Info("tables ready")

	if q := os.Getenv("JOURNAL_QUEUE"); q != "" {
		if err := journal.EnsureQueue(ctx, connStr, q); err != nil {
			log.Fatalf("create queue: %v", err)
		}
		log.WithField("queue", q).Info("journal queue ready")
	}

	log.Info("storage init complete")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
