package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	godotenv.Load()
}

// DatabaseDSN builds the MySQL DSN from DB_USER, DB_PASSWORD, DB_HOST, DB_PORT
// and DB_NAME. A DB_HOST of "/cloudsql/<CONNECTION_NAME>" dials the Cloud SQL
// proxy socket.
func DatabaseDSN() string {
	host := os.Getenv("DB_HOST")
	network, address := "tcp", fmt.Sprintf("%s:%s", host, os.Getenv("DB_PORT"))
	if strings.HasPrefix(host, "/cloudsql/") {
		network, address = "unix", host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&loc=UTC",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), network, address, os.Getenv("DB_NAME"))
}

// PoolConfig sizes the connection pool. Counter increments hold a row lock
// for one short transaction, so the pool bounds concurrent minting.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

func PoolConfigFromEnv() PoolConfig {
	return PoolConfig{
		MaxOpen:     intFromEnv("DB_MAX_OPEN_CONNS", 50),
		MaxIdle:     intFromEnv("DB_MAX_IDLE_CONNS", 25),
		MaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		MaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
	}
}

func (p PoolConfig) apply(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	if p.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(p.MaxOpen)
	}
	if p.MaxIdle >= 0 {
		sqlDB.SetMaxIdleConns(p.MaxIdle)
	}
	if p.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.MaxLifetime)
	}
	if p.MaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(p.MaxIdleTime)
	}
	return nil
}

// ConnectDatabaseWithRetry blocks until MySQL answers, then installs tracing
// and the append-only guard. main calls it after the port is open.
func ConnectDatabaseWithRetry() {
	log := GetLogger().WithFields(logrus.Fields{"field": "database"})
	dsn := DatabaseDSN()

	for attempt := 1; ; attempt++ {
		gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormLogger()})
		if err == nil {
			if err := PoolConfigFromEnv().apply(gdb); err != nil {
				log.Warn("connection pool not configured: " + err.Error())
			}
			if err := gdb.Use(otelgorm.NewPlugin()); err != nil {
				log.Warn("otelgorm plugin not installed: " + err.Error())
			}
			if err := gdb.Use(NewImmutableGuardPlugin()); err != nil {
				LogError(GetLogger(), "config", "ConnectDatabaseWithRetry", "immutable guard", nil, err)
			}
			db = gdb
			log.WithField("attempt", attempt).Info("connected to database")
			return
		}

		sleep := backoff(attempt)
		log.WithFields(logrus.Fields{"attempt": attempt, "retry_in": sleep.String()}).Warn("database not reachable: " + err.Error())
		time.Sleep(sleep)
	}
}

// gormLogger routes SQL logs through the process logger. GORM_LOG_LEVEL is
// silent, error (default), warn or info.
func gormLogger() logger.Interface {
	level := logger.Error
	switch strings.ToLower(strings.TrimSpace(os.Getenv("GORM_LOG_LEVEL"))) {
	case "silent":
		level = logger.Silent
	case "warn":
		level = logger.Warn
	case "info":
		level = logger.Info
	}
	return logger.New(GetLogger(), logger.Config{
		LogLevel:                  level,
		SlowThreshold:             time.Second,
		IgnoreRecordNotFoundError: true,
	})
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// backoff is the capped exponential sleep shared by every connect-with-retry loop.
func backoff(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}
