package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
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

// mysqlDSN builds the DSN from DB_* variables. A DB_HOST of
// /cloudsql/<CONNECTION_NAME> dials the proxy's unix socket.
func mysqlDSN() string {
	host := os.Getenv("DB_HOST")
	network, address := "tcp", fmt.Sprintf("%s:%s", host, os.Getenv("DB_PORT"))
	if strings.HasPrefix(host, "/cloudsql/") {
		network, address = "unix", host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), network, address, os.Getenv("DB_NAME"))
}

// ConnectDatabaseWithRetry connects and sets the global DB. It blocks until
// MySQL answers; main() calls it after the HTTP server is listening.
func ConnectDatabaseWithRetry() {
	dsn := mysqlDSN()
	for attempt := 1; ; attempt++ {
		conn, err := gorm.Open(mysql.Open(dsn), initConfig())
		if err == nil {
			tunePool(conn)
			if pluginErr := conn.Use(otelgorm.NewPlugin()); pluginErr != nil {
				log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
			}
			db = conn
			log.Printf("connected to database (attempt=%d)", attempt)
			return
		}
		sleep := RetryBackoff(attempt)
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

// tunePool applies the optional pool overrides:
// - DB_MAX_OPEN_CONNS (default 50)
// - DB_MAX_IDLE_CONNS (default 25)
// - DB_CONN_MAX_LIFETIME_SECONDS (default 300)
// - DB_CONN_MAX_IDLE_TIME_SECONDS (default 60)
func tunePool(conn *gorm.DB) {
	sqlDB, err := conn.DB()
	if err != nil || sqlDB == nil {
		return
	}
	if n := intFromEnv("DB_MAX_OPEN_CONNS", 50); n > 0 {
		sqlDB.SetMaxOpenConns(n)
	}
	if n := intFromEnv("DB_MAX_IDLE_CONNS", 25); n >= 0 {
		sqlDB.SetMaxIdleConns(n)
	}
	if d := time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second; d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
	if d := time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second; d > 0 {
		sqlDB.SetConnMaxIdleTime(d)
	}
}

func intFromEnv(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return n
}

// OpenSQLite opens a sqlite database with the same gorm settings, used by
// tests and local runs (dsn ":memory:" or a file path). A single connection
// keeps ":memory:" databases shared across queries.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	sqliteDB, err := gorm.Open(sqlite.Open(dsn), initConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := sqliteDB.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return sqliteDB, nil
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         WriteGormLog(),
		NamingStrategy: schema.NamingStrategy{},
	}
}

func gormLogger(w io.Writer, level logger.LogLevel) logger.Interface {
	return logger.New(log.New(w, "\r\n", log.LstdFlags), logger.Config{
		LogLevel:                  level,
		SlowThreshold:             time.Second,
		IgnoreRecordNotFoundError: true,
	})
}

// WriteGormLog logs SQL errors to stdout, or every statement to the file
// named by GORM_LOG.
func WriteGormLog() logger.Interface {
	if path := os.Getenv("GORM_LOG"); path != "" {
		if f, err := os.Create(path); err == nil {
			return gormLogger(f, logger.Info)
		}
	}
	return gormLogger(os.Stdout, logger.Error)
}
