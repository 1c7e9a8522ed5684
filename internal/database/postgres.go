// Package database opens the relational store backing session persistence.
package database

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	openConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_db_open_connections",
		Help: "Open connections in the database pool.",
	})
	idleConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_db_idle_connections",
		Help: "Idle connections in the database pool.",
	})
	inUseConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_db_in_use_connections",
		Help: "Connections currently serving queries.",
	})
)

// NewPostgres opens a pooled Postgres connection. Zero pool values select
// defaults sized for the session lookup traffic a gate serves.
func NewPostgres(dsn string, maxOpen, maxIdle int, connMaxLife time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database connection: %w", err)
	}

	if maxOpen == 0 {
		maxOpen = 25
	}
	if maxIdle == 0 {
		maxIdle = 5
	}
	if connMaxLife == 0 {
		connMaxLife = 5 * time.Minute
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMaxLife)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// RecordPoolStats publishes the pool counters. Called from a collection
// ticker in main.
func RecordPoolStats(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	openConns.Set(float64(stats.OpenConnections))
	idleConns.Set(float64(stats.Idle))
	inUseConns.Set(float64(stats.InUse))
}
