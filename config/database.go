package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

// SetDB replaces the process DB handle. Used by cmd tools and tests that open their own connection.
func SetDB(conn *gorm.DB) {
	db = conn
}

// OpenDatabase opens a gorm connection for the given driver.
// For sqlite the dsn is a file path; for mysql it is a go-sql-driver DSN.
func OpenDatabase(driver string, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case DriverSQLite:
		// busy_timeout lets concurrent writers wait instead of failing with SQLITE_BUSY.
		dialector = sqlite.Open(dsn + "?_busy_timeout=5000&_txlock=immediate")
	case DriverMySQL, "":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
	conn, err := gorm.Open(dialector, initConfig())
	if err != nil {
		return nil, err
	}
	if pluginErr := conn.Use(otelgorm.NewPlugin()); pluginErr != nil {
		log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
	}
	return conn, nil
}

func mysqlDSN(c Config) string {
	network := "tcp"
	address := fmt.Sprintf("%s:%s", c.DBHost, c.DBPort)
	// Cloud SQL unix socket, e.g. DB_HOST=/cloudsql/<CONNECTION_NAME>
	if strings.HasPrefix(c.DBHost, "/cloudsql/") {
		network = "unix"
		address = c.DBHost
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true",
		c.DBUser,
		c.DBPassword,
		network,
		address,
		c.DBName,
	)
}

// ConnectDatabaseWithRetry connects and sets the global DB.
// Call this from main() AFTER the HTTP server is listening.
func ConnectDatabaseWithRetry() {
	c, err := GetConfig()
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}
	dsn := c.DBName
	if !strings.EqualFold(c.DBDriver, DriverSQLite) {
		dsn = mysqlDSN(c)
	}

	var attempt int
	for {
		attempt++
		conn, err := OpenDatabase(c.DBDriver, dsn)
		if err == nil {
			if sqlDB, derr := conn.DB(); derr == nil && sqlDB != nil {
				if c.DBMaxOpenConns > 0 {
					sqlDB.SetMaxOpenConns(c.DBMaxOpenConns)
				}
				if c.DBMaxIdleConns >= 0 {
					sqlDB.SetMaxIdleConns(c.DBMaxIdleConns)
				}
				if c.DBConnMaxLifetime > 0 {
					sqlDB.SetConnMaxLifetime(c.DBConnMaxLifetime)
				}
				if c.DBConnMaxIdleTime > 0 {
					sqlDB.SetConnMaxIdleTime(c.DBConnMaxIdleTime)
				}
			}
			db = conn
			log.Printf("connected to database (driver=%s attempt=%d)", c.DBDriver, attempt)
			return
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
	}
}

func initLog() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:                  false,
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
