// sweep-pending-orders removes pending orders older than the TTL once and
// exits. Use it where the in-process sweeper is disabled (SWEEPER_ENABLED=false).
//
// Usage:
//	STORE_BACKEND=redis REDIS_ADDRESS=... go run ./cmd/sweep-pending-orders -ttl 30m
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/config"
	"github.com/CaoNhatLinh/squareup-sub001/models"
	"github.com/CaoNhatLinh/squareup-sub001/store"
	"github.com/CaoNhatLinh/squareup-sub001/workflow"
)

func main() {
	settings := config.LoadSettings()
	ttl := flag.Duration("ttl", settings.PendingOrderTTL, "Pending orders created before now-ttl are removed.")
	timeout := flag.Duration("timeout", 5*time.Minute, "Give up after this long (connection retries included).")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var s store.Store
	switch settings.StoreBackend {
	case config.StoreBackendRedis:
		rdb := config.ConnectRedisWithRetry(ctx, settings.RedisAddress)
		if rdb == nil {
			fmt.Fprintln(os.Stderr, "redis not reachable before timeout")
			os.Exit(1)
		}
		defer rdb.Close()
		s = store.NewRedisStore(rdb, settings.RedisKeyPrefix)
	case config.StoreBackendMySQL:
		db := config.ConnectDatabaseWithRetry(ctx)
		if db == nil {
			fmt.Fprintln(os.Stderr, "database not reachable before timeout")
			os.Exit(1)
		}
		s = store.NewGormStore(db)
	default:
		fmt.Fprintf(os.Stderr, "STORE_BACKEND=%q has nothing to sweep\n", settings.StoreBackend)
		os.Exit(2)
	}

	sweeper := workflow.NewStalePendingSweeper(models.NewPendingOrderLedger(s), config.GetLogger())
	sweeper.TTL = *ttl
	removed, err := sweeper.SweepOnce(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("removed %d stale pending orders\n", removed)
}
