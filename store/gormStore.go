package store

import (
	"context"
	"errors"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KVRecord is the row layout of the MySQL backend.
type KVRecord struct {
	Path      string `gorm:"primaryKey;size:512"`
	Parent    string `gorm:"size:512;index;not null"`
	Data      []byte `gorm:"type:longblob"`
	Version   int64  `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (KVRecord) TableName() string {
	return "kv_records"
}

// GormStore serializes conditional writes with SELECT ... FOR UPDATE inside a
// transaction, and relies on the primary key for create-if-absent.
type GormStore struct {
	db  *gorm.DB
	Now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, Now: time.Now}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&KVRecord{})
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (s *GormStore) Get(ctx context.Context, path string) (Record, error) {
	path = strings.Trim(path, "/")
	var row KVRecord
	err := s.db.WithContext(ctx).Where("path = ?", path).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return row.toRecord(), nil
}

func (s *GormStore) Create(ctx context.Context, path string, mutate Mutator) (Record, error) {
	if err := validatePath(path); err != nil {
		return Record{}, err
	}
	path = strings.Trim(path, "/")
	parent, _ := splitParent(path)

	version := nextVersion(time.Time{}, s.Now())
	data, err := mutate(nil, version)
	if err != nil {
		return Record{}, err
	}
	row := KVRecord{Path: path, Parent: parent, Data: data, Version: version.UnixNano()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return Record{}, ErrAlreadyExists
		}
		return Record{}, err
	}
	return row.toRecord(), nil
}

func (s *GormStore) Update(ctx context.Context, path string, expected *time.Time, mutate Mutator) (Record, error) {
	path = strings.Trim(path, "/")
	var out Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row KVRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("path = ?", path).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		current := versionFromNanos(row.Version)
		if expected != nil && !sameVersion(*expected, current) {
			return &ConflictError{Path: path, Expected: *expected, Current: current}
		}
		version := nextVersion(current, s.Now())
		data, err := mutate(row.Data, version)
		if err != nil {
			return err
		}
		if err := tx.Model(&KVRecord{}).Where("path = ?", path).
			Updates(map[string]interface{}{"data": data, "version": version.UnixNano()}).Error; err != nil {
			return err
		}
		row.Data = data
		row.Version = version.UnixNano()
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, path string) error {
	return s.db.WithContext(ctx).Where("path = ?", strings.Trim(path, "/")).Delete(&KVRecord{}).Error
}

func (s *GormStore) List(ctx context.Context, prefix string) ([]Record, error) {
	var rows []KVRecord
	if err := s.db.WithContext(ctx).Where("parent = ?", strings.Trim(prefix, "/")).Order("path").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (r KVRecord) toRecord() Record {
	return Record{Path: r.Path, Version: versionFromNanos(r.Version), Data: r.Data}
}
