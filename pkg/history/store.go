package history

import (
	"context"
	"time"

	"github.com/GwanWingYan/microdonate/pkg/infra"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

var ErrNotFound = errors.New("submission not found")

var _ infra.Recorder = (*Store)(nil)

// Submission is the audit row for one invocation that reached the network.
type Submission struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	InvocationID string     `gorm:"uniqueIndex;size:36" json:"invocation_id"`
	Function     string     `gorm:"index;size:32" json:"function"`
	Parameters   []string   `gorm:"serializer:json" json:"parameters"`
	Source       string     `gorm:"index;size:56" json:"source"`
	Sequence     int64      `json:"sequence"`
	Fee          int64      `json:"fee"`
	Hash         string     `gorm:"index;size:64" json:"hash"`
	Ledger       int32      `json:"ledger,omitempty"`
	FeeCharged   int64      `json:"fee_charged,omitempty"`
	Status       string     `gorm:"index;size:20" json:"status"`
	ResultCode   string     `gorm:"size:64" json:"result_code,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
}

func (Submission) TableName() string {
	return "submissions"
}

// Store persists submissions with gorm. It implements infra.Recorder.
type Store struct {
	db     *gorm.DB
	logger *log.Logger
}

// Open connects to the sqlite database at dsn and migrates the schema.
func Open(dsn string, logger *log.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error opening history %s", dsn)
	}

	// sqlite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "error getting history connection")
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Submission{}); err != nil {
		return nil, errors.Wrap(err, "error migrating history")
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores the terminal state of e.
func (s *Store) Record(ctx context.Context, e *infra.Element) error {
	row := fromElement(e)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrapf(err, "error recording %s", e.ID)
	}
	s.logger.Debugf("Recorded %s %s as %s", row.Function, row.InvocationID, row.Status)
	return nil
}

// Recent returns the latest submissions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Submission, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var rows []Submission
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "error listing submissions")
	}
	return rows, nil
}

func (s *Store) ByHash(ctx context.Context, hash string) (*Submission, error) {
	var row Submission
	err := s.db.WithContext(ctx).Where("hash = ?", hash).Order("id desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error loading submission %s", hash)
	}
	return &row, nil
}

func fromElement(e *infra.Element) *Submission {
	row := &Submission{
		InvocationID: e.ID,
		Function:     e.Call.Function.Symbol(),
		CreatedAt:    e.StartedTime,
	}
	if env := e.Envelope; env != nil {
		row.Parameters = env.Parameters()
		row.Source = env.Source
		row.Sequence = env.Sequence
		row.Fee = env.Fee
		if hash, err := env.Hash(); err == nil {
			row.Hash = hash
		}
	}
	if res := e.Result; res != nil {
		row.Hash = res.Hash
		row.Ledger = res.Ledger
		row.FeeCharged = res.FeeCharged
		row.Status = res.Status.String()
		row.ResultCode = res.ResultCode
	}

	if e.Err != nil {
		row.Status = infra.StatusFailed.String()
		if code := infra.ResultCode(e.Err); code != "" {
			row.ResultCode = code
		}
		row.ErrorMessage = e.Err.Error()
	} else if !e.ObservedTime.IsZero() {
		t := e.ObservedTime
		row.ConfirmedAt = &t
	}
	return row
}
