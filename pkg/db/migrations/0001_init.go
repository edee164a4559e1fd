package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Run struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Tool       string            `gorm:"type:text;not null;index"`
	Params     datatypes.JSONMap `gorm:"type:jsonb"`
	Status     string            `gorm:"type:text;not null"`
	Summary    string            `gorm:"type:text"`
	StartedAt  time.Time         `gorm:"type:timestamptz;not null;default:now()"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
}

type Carve struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RunID        *uuid.UUID `gorm:"type:uuid;index"`
	Host         string     `gorm:"type:text;not null;index"`
	QueryID      string     `gorm:"type:text;not null"`
	SessionID    string     `gorm:"type:text;not null;uniqueIndex"`
	ArchivePath  string     `gorm:"type:text;not null"`
	SHA256       string     `gorm:"column:sha256;type:text;not null"`
	Size         int64      `gorm:"type:bigint;not null"`
	Encrypted    bool       `gorm:"not null;default:false"`
	MirrorURL    string     `gorm:"type:text"`
	DownloadedAt time.Time  `gorm:"type:timestamptz;not null"`
	Run          Run        `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type Deviation struct {
	ID        int64             `gorm:"type:bigserial;primaryKey"`
	RunID     *uuid.UUID        `gorm:"type:uuid;index"`
	BaseHost  string            `gorm:"type:text;not null"`
	Host      string            `gorm:"type:text;not null;index"`
	QueryName string            `gorm:"type:text;not null"`
	Name      string            `gorm:"type:text;not null"`
	Status    string            `gorm:"type:text;not null"`
	Actual    datatypes.JSONMap `gorm:"type:jsonb"`
	Expected  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run       Run               `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Vulnerability struct {
	ID        int64      `gorm:"type:bigserial;primaryKey"`
	RunID     *uuid.UUID `gorm:"type:uuid;index"`
	Host      string     `gorm:"type:text;not null;index"`
	Product   string     `gorm:"type:text;not null"`
	Version   string     `gorm:"type:text"`
	CPE       string     `gorm:"column:cpe;type:text"`
	CVEs      string     `gorm:"column:cves;type:text;not null"`
	CreatedAt time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run       Run        `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Vulnerability) TableName() string { return "vulnerabilities" }

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Run{},
		&Carve{},
		&Deviation{},
		&Vulnerability{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	for _, model := range []any{&Carve{}, &Deviation{}, &Vulnerability{}} {
		if m.HasConstraint(model, "Run") {
			continue
		}
		if err := m.CreateConstraint(model, "Run"); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Vulnerability{},
		&Deviation{},
		&Carve{},
		&Run{},
	)
}
