package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/production_backend/appctx"
	"github.com/mmdatafocus/production_backend/config"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
	"github.com/mmdatafocus/production_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIntegration(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "production_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	store := repository.NewGormStore(config.GetDB())
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	t.Run("counter increments are gap free under contention", func(t *testing.T) {
		testCounterContention(t, store, store)
	})
	t.Run("redis counter increments are gap free under contention", func(t *testing.T) {
		testCounterContention(t, repository.NewRedisCounterStore(config.GetRedisDB(), store, logger), store)
	})
	t.Run("redis counter recovers from data loss", func(t *testing.T) {
		testRedisCounterReseed(t, store, logger)
	})
	t.Run("shift batch coalesces and rejects a duplicate key", func(t *testing.T) {
		testWriteShiftBatch(t, store)
	})
	t.Run("immutable tables reject updates", func(t *testing.T) {
		testImmutableGuard(t, store)
	})
	t.Run("catalog cache serves until invalidated", func(t *testing.T) {
		testCachedCatalog(t, store, logger)
	})
	t.Run("shift lock is exclusive", func(t *testing.T) {
		testShiftLock(t, logger)
	})
	t.Run("mint, record, trace and publish", func(t *testing.T) {
		testEndToEnd(t, store, logger)
	})
}

func testCounterContention(t *testing.T, counters repository.CounterStore, durable repository.HighWaterSource) {
	const callers = 64
	ctx := context.Background()
	key := models.CounterKey{Family: models.CounterFamilyPerItem, Key: fmt.Sprint(time.Now().UnixNano())}

	values := make([]int64, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = counters.Increment(ctx, key)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		require.Equal(t, int64(i+1), v)
	}

	hw, err := durable.CounterHighWater(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(callers), hw)
}

func testRedisCounterReseed(t *testing.T, store *repository.GormStore, logger *logrus.Logger) {
	ctx := context.Background()
	rdb := config.GetRedisDB()
	counters := repository.NewRedisCounterStore(rdb, store, logger)
	key := models.OperatorDayCounterKey(int(time.Now().Unix()%100000), time.Now().UTC())

	for i := 0; i < 5; i++ {
		_, err := counters.Increment(ctx, key)
		require.NoError(t, err)
	}
	require.NoError(t, rdb.Del(ctx, repository.RedisCounterKey(key)).Err())

	// seeded from the durable mark, so nothing is reissued
	v, err := counters.Increment(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)

	raised, err := counters.Reseed(ctx, key, 3)
	require.NoError(t, err)
	assert.False(t, raised)
	raised, err = counters.Reseed(ctx, key, 100)
	require.NoError(t, err)
	assert.True(t, raised)

	v, err = counters.Increment(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(101), v)
}

func testWriteShiftBatch(t *testing.T, store *repository.GormStore) {
	ctx := context.Background()
	shiftId := fmt.Sprintf("S-%d", time.Now().UnixNano())
	write := func(batchKey string, serials ...string) (*repository.ShiftBatchOutcome, error) {
		w := repository.ShiftBatchWrite{
			Batch: models.ConsumptionBatch{BatchKey: batchKey, ShiftId: shiftId, ItemId: 1, Quantity: 1},
			Output: models.OutputDeclaration{
				ShiftId: shiftId, ItemId: 1, Quantity: 1,
				TotalWeight: decimal.NewFromInt(2), TotalLength: decimal.Zero,
			},
		}
		for _, s := range serials {
			w.Entries = append(w.Entries, models.ConsumptionEntry{
				ShiftId: shiftId, SourceSerial: s, SourceTier: models.TierRawMaterial,
				TargetTier: models.TierIntermediateA, BatchKey: batchKey,
			})
		}
		return store.WriteShiftBatch(ctx, w)
	}

	out, err := write(shiftId+"-1", "A", "B")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, out.Inserted)

	out, err = write(shiftId+"-2", "B", "C")
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, out.Inserted)
	assert.Equal(t, int64(2), out.Declaration.Quantity)
	assert.True(t, out.Declaration.TotalWeight.Equal(decimal.NewFromInt(4)))

	_, err = write(shiftId+"-2", "D")
	require.ErrorIs(t, err, repository.ErrDuplicateBatch)

	entries, err := store.EntriesByShifts(ctx, []string{shiftId})
	require.NoError(t, err)
	assert.Len(t, entries, 3, "the duplicate batch rolled back its entry")

	decl, err := store.OutputDeclaration(ctx, shiftId, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), decl.Quantity)
}

func testImmutableGuard(t *testing.T, store *repository.GormStore) {
	ctx := context.Background()
	serial := fmt.Sprintf("IMM-%d", time.Now().UnixNano())
	unit := &models.ProductionUnit{
		SerialNumber: serial, BarcodePayload: serial, GlobalSeq: time.Now().UnixNano(),
		ItemSeq: time.Now().UnixNano(), ItemId: 1, ItemCode: "RM-1", Tier: models.TierRawMaterial,
		OperatorId: 1, OperatorCode: "OP1", FacilityCode: "F01",
		ProductionDate: time.Now().UTC().Truncate(24 * time.Hour), ProducedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateUnit(ctx, unit, nil))

	db := store.DB()
	err := db.WithContext(ctx).Model(&models.ProductionUnit{}).Where("id = ?", unit.ID).Update("weight", 5).Error
	require.ErrorIs(t, err, config.ErrImmutableRecord)
	err = db.WithContext(ctx).Delete(&models.ProductionUnit{}, unit.ID).Error
	require.ErrorIs(t, err, config.ErrImmutableRecord)

	correction := appctx.Set(ctx, appctx.ContextKeyAllowCorrection, true)
	require.NoError(t, db.WithContext(correction).Model(&models.ProductionUnit{}).Where("id = ?", unit.ID).Update("weight", 5).Error)
}

func testCachedCatalog(t *testing.T, store *repository.GormStore, logger *logrus.Logger) {
	ctx := context.Background()
	code := fmt.Sprintf("C%d", time.Now().UnixNano()%1000000)
	item := &models.Item{ProductCode: code, Name: code, Tier: models.TierIntermediateA}
	require.NoError(t, store.DB().WithContext(ctx).Create(item).Error)

	catalog := repository.NewCachedCatalog(store, config.GetRedisDB(), time.Minute, logger)
	got, err := catalog.ItemByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, models.TierIntermediateA, got.Tier)

	require.NoError(t, store.DB().WithContext(ctx).Model(item).Update("name", "renamed").Error)

	cached, err := catalog.ItemById(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, code, cached.Name)

	require.NoError(t, catalog.Invalidate(ctx, item))
	fresh, err := catalog.ItemById(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", fresh.Name)

	_, err = catalog.ItemByCode(ctx, "NOPE-"+code)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testShiftLock(t *testing.T, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	locker := repository.NewRedisShiftLocker(config.GetRedisLock(), logger)
	shiftId := fmt.Sprintf("LOCK-%d", time.Now().UnixNano())

	release, err := locker.LockShift(ctx, shiftId)
	require.NoError(t, err)

	_, err = locker.LockShift(ctx, shiftId)
	require.ErrorIs(t, err, repository.ErrShiftLocked)

	release()
	release2, err := locker.LockShift(ctx, shiftId)
	require.NoError(t, err)
	release2()
}

func testEndToEnd(t *testing.T, store *repository.GormStore, logger *logrus.Logger) {
	ctx := context.Background()
	db := store.DB()
	suffix := fmt.Sprint(time.Now().UnixNano() % 100000)
	rmItem := &models.Item{ProductCode: "RM-" + suffix, Name: "resin", Tier: models.TierRawMaterial}
	iaItem := &models.Item{ProductCode: "IA-" + suffix, Name: "pellet", Tier: models.TierIntermediateA}
	require.NoError(t, db.Create(rmItem).Error)
	require.NoError(t, db.Create(iaItem).Error)

	catalog := repository.NewCachedCatalog(store, config.GetRedisDB(), time.Minute, logger)
	allocator := workflow.NewCounterAllocator(store, logger)
	minter := workflow.NewUnitMinter(catalog, store, allocator, workflow.NewSerialComposer("F01"), logger)
	recorder := workflow.NewConsumptionRecorder(catalog, store, store, repository.NewRedisShiftLocker(config.GetRedisLock(), logger), logger)
	graph := workflow.NewLineageGraph(store, store, logger)

	date := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)
	mint := func(code, shiftId string) *models.ProductionUnit {
		unit, err := minter.Mint(ctx, workflow.MintRequest{
			ItemCode: code, OperatorId: 7, OperatorCode: "OP7", ShiftId: shiftId,
			ProductionDate: &date, Weight: decimal.NewFromInt(1),
		})
		require.NoError(t, err)
		return unit
	}
	rm := mint(rmItem.ProductCode, "")
	require.NoError(t, store.BindOperatorCode(ctx, 7, "OP7"))
	require.ErrorIs(t, store.BindOperatorCode(ctx, 8, "OP7"), repository.ErrOperatorCodeTaken)
	_, err := minter.Mint(ctx, workflow.MintRequest{
		ItemCode: rmItem.ProductCode, OperatorId: 8, OperatorCode: "OP7",
		ProductionDate: &date, Weight: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, workflow.ErrInvalidIdentityInput)

	shiftId := "SHIFT-" + suffix
	req := workflow.ConsumptionRequest{
		Shift:   workflow.ShiftContext{ShiftId: shiftId, OperatorId: 7},
		Output:  workflow.OutputInput{ItemId: iaItem.ID, Quantity: 1},
		Entries: []workflow.ProposedEntry{{SourceSerial: rm.SerialNumber}},
	}
	res, err := recorder.RecordConsumption(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusAccepted, res.Entries[0].Status)

	replay, err := recorder.RecordConsumption(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	ia := mint(iaItem.ProductCode, shiftId)
	tr, err := graph.AncestorsOf(ctx, ia.SerialNumber, 0)
	require.NoError(t, err)
	defer tr.Close()
	nodes, err := tr.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, rm.SerialNumber, nodes[0].Unit.SerialNumber)

	var published []config.ProductionEventMessage
	dispatcher := workflow.NewOutboxDispatcher(db, logger)
	dispatcher.Publish = func(ctx context.Context, msg config.ProductionEventMessage) (string, error) {
		published = append(published, msg)
		return fmt.Sprintf("msg-%d", msg.ID), nil
	}
	dispatcher.BatchSize = 1000
	sent := dispatcher.DispatchOnce(ctx)
	assert.GreaterOrEqual(t, sent, 3, "two units and one batch")

	var pending int64
	require.NoError(t, db.Model(&models.ProductionEventRecord{}).
		Where("publish_status = ?", models.OutboxPublishStatusPending).Count(&pending).Error)
	assert.Zero(t, pending)

	failing := workflow.NewOutboxDispatcher(db, logger)
	failing.Publish = func(context.Context, config.ProductionEventMessage) (string, error) {
		return "", errors.New("topic not found")
	}
	mint(rmItem.ProductCode, "")
	assert.Zero(t, failing.DispatchOnce(ctx))
	var failed int64
	require.NoError(t, db.Model(&models.ProductionEventRecord{}).
		Where("publish_status = ?", models.OutboxPublishStatusFailed).Count(&failed).Error)
	assert.Equal(t, int64(1), failed)

	var failedRec models.ProductionEventRecord
	require.NoError(t, db.Where("publish_status = ?", models.OutboxPublishStatusFailed).First(&failedRec).Error)
	statuses, err := models.GetProductionEventStatuses(ctx, db, failedRec.ReferenceKey)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "topic not found", *statuses[0].LastPublishError)

	requeued, err := models.ReplayProductionEvent(ctx, db, failedRec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPublishStatusPending, requeued.PublishStatus)
	assert.Zero(t, requeued.PublishAttempts)
	assert.Equal(t, 1, dispatcher.DispatchOnce(ctx))

	_, err = models.ReplayProductionEvent(ctx, db, failedRec.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "a sent event is not replayed")
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("production-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("production-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=production_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
