package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pkgerrors "github.com/pkg/errors"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/db/pg"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var upFile = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

type migrationLogger struct {
	ectologger.Logger
}

func (l migrationLogger) Verbose() bool {
	return false
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.Infof(strings.TrimSuffix(format, "\n"), v...)
}

type MigrationConfig struct {
	// Folder overrides the embedded migrations when set
	Folder  string
	Version uint
	Force   int
	// AutoRollback forces a dirty schema back to the previous version
	AutoRollback bool
}

func NewMigrationConfig(cfg config.DatabaseConfig) *MigrationConfig {
	return &MigrationConfig{
		Folder:       cfg.MigrationFolderPath,
		Version:      cfg.MigrationVersion,
		Force:        cfg.MigrationForce,
		AutoRollback: cfg.MigrationAutoRollback,
	}
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		config: config,
		logger: logger,
	}
}

// source returns the migration files: the configured folder, or the set
// compiled into the binary.
func (ms *MigrationService) source() (fs.FS, error) {
	if ms.config.Folder == "" {
		return pg.Migrations, nil
	}
	if _, err := os.Stat(ms.config.Folder); err != nil {
		return nil, pkgerrors.Wrapf(err, "migration folder %s", ms.config.Folder)
	}
	return os.DirFS(ms.config.Folder), nil
}

// Migrate brings the mapping store schema up to the configured version, or
// the latest one.
func (ms *MigrationService) Migrate(ctx context.Context, db DB, databaseName string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "database.MigrationService.Migrate")
	defer func() {
		tracing.Fail(span, err)
		span.End()
	}()
	logger := ms.logger.WithContext(ctx)

	files, err := ms.source()
	if err != nil {
		return err
	}
	src, err := iofs.New(files, ".")
	if err != nil {
		return pkgerrors.Wrap(err, "open migration source")
	}

	driver, err := postgres.WithInstance(db.SqlDB(), &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		logger.WithError(err).Error("Failed to create migration driver")
		return pkgerrors.Wrap(err, "create migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, databaseName, driver)
	if err != nil {
		logger.WithError(err).Error("Failed to create migrate instance")
		return pkgerrors.Wrap(err, "create migrate instance")
	}
	m.Log = migrationLogger{Logger: logger}

	return ms.run(logger, m, files)
}

func (ms *MigrationService) run(logger ectologger.Logger, m *migrate.Migrate, files fs.FS) error {
	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			return pkgerrors.Wrapf(err, "force version %d", ms.config.Force)
		}
	}

	previous, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return pkgerrors.Wrap(err, "read schema version")
	}

	start := time.Now()
	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		current, _, _ := m.Version()
		logger.WithFields(map[string]any{
			"from":        previous,
			"to":          current,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("Applied mapping store migrations")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		logger.WithField("version", previous).Debug("Mapping store schema is current")
		return nil
	}

	// schema ahead of the available files, e.g. an older binary
	if strings.Contains(err.Error(), "no migration found for version") {
		latest, lerr := latestVersion(files)
		if lerr != nil {
			return errors.Join(err, lerr)
		}
		logger.Warnf("Schema version %d has no migration file, forcing version %d", previous, latest)
		return m.Force(latest)
	}

	logger.WithError(err).Error("Migration failed")
	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return errors.Join(err, verr)
	}
	if ms.config.AutoRollback && dirty {
		target := previous
		if target == 0 && version > 0 {
			target = version - 1
		}
		logger.Warnf("Schema dirty at version %d, forcing version %d", version, target)
		if ferr := m.Force(int(target)); ferr != nil {
			return errors.Join(err, ferr)
		}
	}
	return fmt.Errorf("migrate mapping store: %w", err)
}

// latestVersion is the highest up migration in files.
func latestVersion(files fs.FS) (int, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, entry := range entries {
		match := upFile.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		v, err := strconv.Atoi(match[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return 0, errors.New("no migration files found")
	}
	return slices.Max(versions), nil
}
