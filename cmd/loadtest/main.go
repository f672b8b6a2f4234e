// Command loadtest appends events from concurrent writers to a small set of
// streams and reports throughput and conflict rates. The backend is
// configured with the EVSTORE_* environment variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/evstore/core/es"
	"github.com/codewandler/evstore/internal/app"
	"github.com/codewandler/evstore/internal/config"
)

// NOTE: run nats: docker run --net=host nats:latest -js
//       EVSTORE_BACKEND=nats go run ./cmd/loadtest

var (
	logLevel  = slog.LevelInfo
	N         = getEnvInt("N", 50_000)
	writers   = getEnvInt("W", 8)
	streams   = getEnvInt("S", 16)
	batchSize = getEnvInt("B", 5_000)
	useCache  = getEnvBool("CACHE", true)
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	return v == "1" || strings.ToLower(v) == "true"
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

type stats struct {
	appended  atomic.Int64
	conflicts atomic.Int64
	failures  atomic.Int64
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := config.Load("")
	checkErr(err)

	fmt.Printf("Backend: %s\n", cfg.Backend.Type)
	fmt.Printf("  Cache: %s\n", strconv.FormatBool(useCache))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	backend, err := app.OpenBackend(ctx, cfg.Backend, log)
	checkErr(err)

	cacheSize := es.DefaultCacheSize
	if !useCache {
		cacheSize = 0
	}
	store := es.NewStore(backend, es.WithLog(log), es.WithCacheSize(cacheSize))
	defer func() { checkErr(store.Close()) }()

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	var (
		st       stats
		startAt  = time.Now()
		lastTime = startAt
		lastN    int64
		mu       sync.Mutex
		wg       sync.WaitGroup
		next     atomic.Int64
		prefix   = fmt.Sprintf("loadtest-%d", startAt.UnixNano())
	)

	report := func() {
		mu.Lock()
		defer mu.Unlock()

		n := st.appended.Load()
		if n-lastN < int64(batchSize) {
			return
		}
		now := time.Now()
		took := now.Sub(lastTime)
		mem := getMemUsage()
		fmt.Printf(
			" | %6d events | %6d ms | %7d events/s | %6d conflicts | (%d / %d) MiB mem (sys) |\n",
			n-lastN,
			took.Milliseconds(),
			int(float64(n-lastN)/took.Seconds()),
			st.conflicts.Load(),
			mem.Alloc/1024/1024,
			mem.Sys/1024/1024,
		)
		lastTime, lastN = now, n
	}

	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := next.Add(1)
				if i > int64(N) {
					return
				}
				streamID := fmt.Sprintf("%s-%d", prefix, (int(i)+w)%streams)
				appendWithRetry(ctx, store, streamID, &st)
				report()
			}
		}()
	}
	wg.Wait()

	// === stats ===
	println("")
	println("==========================================")

	took := time.Since(startAt)
	runtime.GC()

	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("     appended: %d\n", st.appended.Load())
	fmt.Printf("    conflicts: %d\n", st.conflicts.Load())
	fmt.Printf("     failures: %d\n", st.failures.Load())
	fmt.Printf("avg. writes/s: %d\n", int(float64(st.appended.Load())/took.Seconds()))
}

// appendWithRetry appends one event, re-reading the version after every
// conflict.
func appendWithRetry(ctx context.Context, store *es.Store, streamID string, st *stats) {
	expected, err := store.CurrentVersion(ctx, streamID)
	if err != nil {
		st.failures.Add(1)
		return
	}
	for range 100 {
		_, err := store.Append(ctx, streamID, expected, es.Events("Tick", 1))
		if err == nil {
			st.appended.Add(1)
			return
		}
		conflict, ok := es.IsConflict(err)
		if !ok {
			st.failures.Add(1)
			return
		}
		st.conflicts.Add(1)
		expected = conflict.Actual
	}
	st.failures.Add(1)
}

// === stats helpers ===

type MemUsage struct {
	Alloc uint64 // bytes allocated and not yet freed (heap)
	Sys   uint64 // total bytes obtained from OS
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{Alloc: m.Alloc, Sys: m.Sys}
}

// === Helpers ===

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
