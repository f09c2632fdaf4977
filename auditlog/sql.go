package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/authority-rotation/interfaces"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// rotationRecordRow is the table layout. Amounts are stored as decimal strings
// because base unit balances overflow every portable integer column type.
type rotationRecordRow struct {
	Seq               uint64    `gorm:"primaryKey;autoIncrement"`
	RecordID          string    `gorm:"uniqueIndex;size:64;not null"`
	RecordedAt        time.Time `gorm:"index;not null"`
	OldIdentity       string    `gorm:"size:42;not null"`
	NewIdentity       string    `gorm:"size:42;not null"`
	AmountTransferred string    `gorm:"size:80;not null"`
	TransferReceipt   string    `gorm:"size:80"`
	RequestedBy       string    `gorm:"size:128;not null"`
	Reason            string    `gorm:"size:1024"`
	Backup            string    `gorm:"size:256"`
}

func (rotationRecordRow) TableName() string {
	return "rotation_records"
}

func rowFromRecord(r interfaces.RotationRecord) rotationRecordRow {
	amount := "0"
	if r.AmountTransferred != nil {
		amount = r.AmountTransferred.String()
	}
	return rotationRecordRow{
		RecordID:          r.ID,
		RecordedAt:        r.Timestamp.UTC(),
		OldIdentity:       r.OldIdentity.String(),
		NewIdentity:       r.NewIdentity.String(),
		AmountTransferred: amount,
		TransferReceipt:   r.TransferReceipt,
		RequestedBy:       string(r.RequestedBy),
		Reason:            r.Reason,
		Backup:            r.Backup,
	}
}

func (row rotationRecordRow) record() (interfaces.RotationRecord, error) {
	oldID, err := interfaces.NewPublicIdentityFromHex(row.OldIdentity)
	if err != nil {
		return interfaces.RotationRecord{}, fmt.Errorf("record %s: old identity: %w", row.RecordID, err)
	}
	newID, err := interfaces.NewPublicIdentityFromHex(row.NewIdentity)
	if err != nil {
		return interfaces.RotationRecord{}, fmt.Errorf("record %s: new identity: %w", row.RecordID, err)
	}
	amount, ok := new(big.Int).SetString(row.AmountTransferred, 10)
	if !ok {
		return interfaces.RotationRecord{}, fmt.Errorf("record %s: invalid amount %q", row.RecordID, row.AmountTransferred)
	}

	return interfaces.RotationRecord{
		ID:                row.RecordID,
		Timestamp:         row.RecordedAt.UTC(),
		OldIdentity:       oldID,
		NewIdentity:       newID,
		AmountTransferred: amount,
		TransferReceipt:   row.TransferReceipt,
		RequestedBy:       interfaces.OperatorIdentity(row.RequestedBy),
		Reason:            row.Reason,
		Backup:            row.Backup,
	}, nil
}

// SQLLog stores rotation records in a relational table.
type SQLLog struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewDB opens connection and migrates the audit table.
func NewDB(connection gorm.Dialector, log *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(connection, &gorm.Config{
		Logger: logger.New(
			slog.NewLogLogger(log.Handler(), slog.LevelWarn),
			logger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := db.AutoMigrate(&rotationRecordRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return db, nil
}

func NewSQLiteDriver(connection string) (gorm.Dialector, error) {
	if !strings.HasPrefix(connection, "file::memory") {
		if err := os.MkdirAll(filepath.Dir(connection), 0700); err != nil {
			return nil, err
		}
	}
	return sqlite.Open(connection), nil
}

func NewPostgresDriver(connection string) (gorm.Dialector, error) {
	return postgres.Open(connection), nil
}

// NewSQLLog wraps an already migrated database.
func NewSQLLog(db *gorm.DB, log *slog.Logger) *SQLLog {
	return &SQLLog{db: db, log: log}
}

func (l *SQLLog) Append(ctx context.Context, record interfaces.RotationRecord) error {
	row := rowFromRecord(record)
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%w: insert: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *SQLLog) All(ctx context.Context) ([]interfaces.RotationRecord, error) {
	var rows []rotationRecordRow
	if err := l.db.WithContext(ctx).Order("recorded_at asc").Order("seq asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}

	records := make([]interfaces.RotationRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.record()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Open creates an audit log from a location URI. See the package documentation
// for the supported schemes.
func Open(location string, log *slog.Logger) (interfaces.AuditLog, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return NewFileLog(localPath(u), log)
	case "sqlite":
		dialector, err := NewSQLiteDriver(localPath(u))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		db, err := NewDB(dialector, log)
		if err != nil {
			return nil, err
		}
		return NewSQLLog(db, log), nil
	case "postgres", "postgresql":
		dialector, err := NewPostgresDriver(location)
		if err != nil {
			return nil, err
		}
		db, err := NewDB(dialector, log)
		if err != nil {
			return nil, err
		}
		return NewSQLLog(db, log), nil
	default:
		return nil, fmt.Errorf("%w: unsupported audit log scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

func localPath(u *url.URL) string {
	if u.Host != "" {
		return u.Host + "/" + strings.TrimPrefix(u.Path, "/")
	}
	return u.Path
}
