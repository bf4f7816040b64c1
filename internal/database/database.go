package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/lexure-intelligence/studio-payments/internal/config"
	"github.com/lexure-intelligence/studio-payments/internal/models"
)

// Open connects to the configured database and verifies the connection.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	case "postgres", "":
		dialector = postgres.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("Database connection established successfully", zap.String("driver", cfg.Driver))
	return db, nil
}

// AutoMigrate creates or updates every table from the gorm models.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}

// RunMigrations runs all SQL migrations found in dir in lexical order
func RunMigrations(db *gorm.DB, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to glob migration files: %w", err)
	}
	sort.Strings(files)

	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, file := range files {
		if err := runMigration(db, file); err != nil {
			return fmt.Errorf("failed to run migration %s: %w", file, err)
		}
	}
	return nil
}

func createMigrationsTable(db *gorm.DB) error {
	return db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`).Error
}

func runMigration(db *gorm.DB, filePath string) error {
	version := strings.TrimSuffix(filepath.Base(filePath), ".up.sql")

	var count int64
	if err := db.Table("schema_migrations").Where("version = ?", version).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check migration state: %w", err)
	}
	if count > 0 {
		return nil
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		for _, statement := range parseSQLStatements(string(content)) {
			statement = strings.TrimSpace(statement)
			if statement == "" {
				continue
			}
			if err := tx.Exec(statement).Error; err != nil {
				if strings.Contains(err.Error(), "already exists") {
					continue
				}
				return fmt.Errorf("failed to execute statement: %w", err)
			}
		}
		return tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version).Error
	})
}

// MigrationStatus represents a migration status
type MigrationStatus struct {
	Version   string `json:"version"`
	AppliedAt string `json:"applied_at"`
}

// GetMigrationStatus returns the applied migrations, oldest first
func GetMigrationStatus(db *gorm.DB) ([]MigrationStatus, error) {
	var migrations []MigrationStatus
	err := db.Table("schema_migrations").
		Select("version, applied_at").
		Order("version ASC").
		Find(&migrations).Error
	return migrations, err
}

// parseSQLStatements splits a migration file into statements, keeping
// dollar-quoted function bodies intact.
func parseSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder
	var inFunction bool
	var dollarQuotes int

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}

		upper := strings.ToUpper(trimmed)
		if strings.Contains(upper, "CREATE OR REPLACE FUNCTION") || strings.Contains(upper, "CREATE FUNCTION") {
			inFunction = true
			dollarQuotes = 0
		}
		if inFunction {
			dollarQuotes += strings.Count(trimmed, "$$")
		}

		current.WriteString(line)
		current.WriteString("\n")

		switch {
		case !inFunction && trimmed != "" && strings.HasSuffix(trimmed, ";"):
			statements = append(statements, current.String())
			current.Reset()
		case inFunction && dollarQuotes > 0 && dollarQuotes%2 == 0 && strings.HasSuffix(trimmed, ";"):
			statements = append(statements, current.String())
			current.Reset()
			inFunction = false
		}
	}

	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}
	return statements
}
