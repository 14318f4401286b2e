package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/production_backend/config"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
	"github.com/sirupsen/logrus"
)

// counter-reseed raises every Redis counter to its durable high-water mark.
// Run it before switching COUNTER_BACKEND to redis and after any Redis data loss.
func main() {
	family := flag.String("family", "", "Optional: only reseed one family (Global, PerItem, PerOperatorDay).")
	dryRun := flag.Bool("dry-run", false, "Print what would change without writing to Redis.")
	flag.Parse()

	ctx := context.Background()
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()
	rdb := config.GetRedisDB()
	if rdb == nil {
		fmt.Fprintln(os.Stderr, "redis not initialized (config.GetRedisDB returned nil)")
		os.Exit(1)
	}
	defer rdb.Close()

	store := repository.NewGormStore(db)
	counters := repository.NewRedisCounterStore(rdb, store, logger)

	rows, err := store.Counters(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list counters: %v\n", err)
		os.Exit(1)
	}

	var raised, unchanged, failed int
	for _, row := range rows {
		if f := strings.TrimSpace(*family); f != "" && string(row.Family) != f {
			continue
		}
		key := models.CounterKey{Family: row.Family, Key: row.CounterKey}
		hw, err := store.CounterHighWater(ctx, key)
		if err != nil {
			config.LogError(logger, "counter-reseed", "main", "CounterHighWater", key.String(), err)
			failed++
			continue
		}
		fields := logrus.Fields{"counter_key": key.String(), "high_water": hw}

		if *dryRun {
			current, err := rdb.Get(ctx, repository.RedisCounterKey(key)).Int64()
			if err != nil || current < hw {
				logger.WithFields(fields).Info("would raise")
				raised++
			} else {
				unchanged++
			}
			continue
		}

		ok, err := counters.Reseed(ctx, key, hw)
		if err != nil {
			config.LogError(logger, "counter-reseed", "main", "Reseed", key.String(), err)
			failed++
			continue
		}
		if ok {
			logger.WithFields(fields).Info("raised")
			raised++
		} else {
			unchanged++
		}
	}

	fmt.Printf("counters: %d raised, %d unchanged, %d failed\n", raised, unchanged, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
