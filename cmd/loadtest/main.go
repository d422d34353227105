package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/evstore-go/adapters/postgres"
	"github.com/codewandler/evstore-go/core/es"
)

// Commit throughput loadtest.
//
// BACKEND=memory N=50000 B=100 W=8 go run ./cmd/loadtest
// BACKEND=postgres POSTGRES_URL=... go run ./cmd/loadtest

var (
	commits   = getEnvInt("N", 10_000)
	batchSize = getEnvInt("B", 100)
	workers   = getEnvInt("W", 8)
	backend   = getEnv("BACKEND", "memory")
)

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func newStore() es.CommitStore {
	switch backend {
	case "memory":
		return es.NewInMemoryCommitStore()
	case "postgres":
		store, err := postgres.NewCommitStore(postgres.Config{
			ConnectionString: os.Getenv("POSTGRES_URL"),
		})
		if err != nil {
			panic(err)
		}
		if err := store.InitSchema(context.Background()); err != nil {
			panic(err)
		}
		return store
	default:
		panic("unknown backend: " + backend)
	}
}

func main() {
	slog.SetLogLoggerLevel(slog.LevelInfo)

	var (
		ctx    = context.Background()
		engine = es.NewEngine(newStore())
		start  = time.Now()
		wg     sync.WaitGroup
	)

	perWorker := commits / workers
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			streamID := fmt.Sprintf("load-%d-%s", w, gonanoid.Must(6))
			stream := engine.CreateStream("loadtest", streamID)

			for i := 0; i < perWorker; i++ {
				for j := 0; j < batchSize; j++ {
					if err := stream.Add(es.NewEventMessage(map[string]any{"n": i*batchSize + j})); err != nil {
						panic(err)
					}
				}
				if err := stream.CommitChanges(ctx, gonanoid.Must()); err != nil {
					panic(err)
				}
			}
		}(w)
	}
	wg.Wait()

	var (
		took   = time.Since(start)
		total  = perWorker * workers
		events = total * batchSize
	)
	fmt.Printf("backend=%s commits=%d events=%d took=%s (%.0f commits/s, %.0f events/s)\n",
		backend, total, events, took,
		float64(total)/took.Seconds(), float64(events)/took.Seconds(),
	)
}
