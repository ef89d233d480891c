package brokerkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

// DatabaseCredentialStore persists sealed credentials using GORM. The sealed
// blob is opaque to the database; only the expiry is stored in the clear so
// lazy eviction never needs the key.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	sealer      *Cipher
	now         func() time.Time
	logger      *zap.Logger
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

type credentialRecord struct {
	Identity    string `gorm:"column:identity;primaryKey"`
	Sealed      []byte `gorm:"column:sealed;not null"`
	ExpiresUnix int64  `gorm:"column:expires_unix;not null;index"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (credentialRecord) TableName() string {
	return "credentials"
}

// NewDatabaseCredentialStore constructs a GORM-backed store for sqlite:// or
// postgres:// URLs.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string, sealer *Cipher, storeLogger *zap.Logger) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if storeLogger == nil {
		storeLogger = zap.NewNop()
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		sealer:      sealer,
		now:         time.Now,
		logger:      storeLogger,
		driverLabel: driverLabel,
	}, nil
}

// Put seals the credential and upserts the row for the identity.
func (store *DatabaseCredentialStore) Put(ctx context.Context, identity string, credential Credential) error {
	sealed, sealErr := sealCredential(store.sealer, credential)
	if sealErr != nil {
		return sealErr
	}
	record := credentialRecord{
		Identity:    identity,
		Sealed:      sealed,
		ExpiresUnix: credential.ExpiresAt.Unix(),
		UpdatedUnix: store.now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "identity"}}, UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("credential_store.put.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Get returns the live credential for the identity, lazily deleting expired rows.
func (store *DatabaseCredentialStore) Get(ctx context.Context, identity string) (Credential, error) {
	var record credentialRecord
	err := store.db.WithContext(ctx).Where("identity = ?", identity).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, err)
	}
	if !store.now().UTC().Before(time.Unix(record.ExpiresUnix, 0)) {
		_ = store.db.WithContext(ctx).Where("identity = ?", identity).Delete(&credentialRecord{}).Error
		return Credential{}, ErrCredentialNotFound
	}
	credential, openErr := openCredential(store.sealer, record.Sealed)
	if openErr != nil {
		store.logger.Warn("stored credential failed to open",
			zap.String("code", "credential_store.open_failed"),
			zap.String("identity", identity),
			zap.String("driver", store.driverLabel))
		_ = store.db.WithContext(ctx).Where("identity = ?", identity).Delete(&credentialRecord{}).Error
		return Credential{}, errors.Join(ErrCredentialNotFound, openErr)
	}
	return credential, nil
}

// Delete removes the row for the identity; missing rows are not an error.
func (store *DatabaseCredentialStore) Delete(ctx context.Context, identity string) error {
	err := store.db.WithContext(ctx).Where("identity = ?", identity).Delete(&credentialRecord{}).Error
	if err != nil {
		return fmt.Errorf("credential_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Count reports stored rows, expired-but-unevicted rows included.
func (store *DatabaseCredentialStore) Count(ctx context.Context) (int64, error) {
	var total int64
	err := store.db.WithContext(ctx).Model(&credentialRecord{}).Count(&total).Error
	if err != nil {
		return 0, fmt.Errorf("credential_store.count.%s: %w", store.driverLabel, err)
	}
	return total, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
