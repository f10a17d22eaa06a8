package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"frpc-authproxy/pkg/model"
)

// MySQL is a journal in a shared MySQL database, for fleets that want one
// audit trail across proxies.
type MySQL struct {
	db     *gorm.DB
	logger hclog.Logger
}

// OpenMySQL connects with dsn (go-sql-driver format), creating the database
// if it does not exist yet, and migrates the record table.
func OpenMySQL(dsn string, log hclog.Logger) (*MySQL, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") {
			return nil, fmt.Errorf("mysql open: %w", err)
		}
		if cerr := createDatabase(dsn); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		db, err = gorm.Open(mysql.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("mysql open: %w", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("mysql handle: %w", err)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	if err := db.AutoMigrate(&model.UpdateRecord{}); err != nil {
		return nil, fmt.Errorf("mysql migrate: %w", err)
	}
	log.Debug("journal opened", "backend", "mysql")
	return &MySQL{db: db, logger: log}, nil
}

func (m *MySQL) Record(ctx context.Context, rec model.UpdateRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.ID = 0
	return m.db.WithContext(ctx).Create(&rec).Error
}

func (m *MySQL) Recent(ctx context.Context, limit int) ([]model.UpdateRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []model.UpdateRecord
	err := m.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func createDatabase(dsn string) error {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return err
	}
	name := cfg.DBName
	if name == "" {
		return fmt.Errorf("dsn has no database name")
	}
	cfg.DBName = ""
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", strings.ReplaceAll(name, "`", "")))
	return err
}
