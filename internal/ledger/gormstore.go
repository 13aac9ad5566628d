package ledger

import (
	"context"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"ml-trading-bot/internal/types"
)

// closedTrade is the MYSQL row for one ledger entry.
type closedTrade struct {
	PositionID  string    `gorm:"column:position_id;type:varchar(128);primaryKey"`
	Seq         int64     `gorm:"column:seq;autoIncrement:false;index"`
	Symbol      string    `gorm:"type:varchar(32);not null;index"`
	Quantity    float64   `gorm:"not null"`
	EntryPrice  float64   `gorm:"not null"`
	ExitPrice   float64   `gorm:"not null"`
	RealizedPnL float64   `gorm:"column:realized_pnl;not null"`
	ReturnPct   float64   `gorm:"not null"`
	EquityAfter float64   `gorm:"not null"`
	Reason      string    `gorm:"type:varchar(64)"`
	OpenedAt    time.Time `gorm:"not null"`
	ClosedAt    time.Time `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (closedTrade) TableName() string {
	return "closed_trades"
}

// GormStore keeps the ledger in a MYSQL table.
type GormStore struct {
	db *gorm.DB
}

// OpenMySQL connects to dsn and migrates the ledger table.
func OpenMySQL(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return NewGormStore(db)
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&closedTrade{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Append inserts the entry; a row already present for the position is kept.
func (s *GormStore) Append(ctx context.Context, e types.LedgerEntry) error {
	row := toRow(e)
	row.Seq = time.Now().UnixNano()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

func (s *GormStore) Load(ctx context.Context) ([]types.LedgerEntry, error) {
	var rows []closedTrade
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.LedgerEntry, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(e types.LedgerEntry) closedTrade {
	l := toLogEntry(e)
	return closedTrade{
		PositionID:  l.PositionID,
		Symbol:      l.Symbol,
		Quantity:    l.Qty,
		EntryPrice:  l.EntryPrice,
		ExitPrice:   l.ExitPrice,
		RealizedPnL: l.PnL,
		ReturnPct:   l.ReturnPct,
		EquityAfter: l.EquityAfter,
		Reason:      l.Reason,
		OpenedAt:    l.OpenedAt,
		ClosedAt:    l.ClosedAt,
	}
}

func fromRow(r closedTrade) types.LedgerEntry {
	pnl := r.RealizedPnL
	closed := r.ClosedAt
	return types.LedgerEntry{
		Position: types.Position{
			ID:          r.PositionID,
			Symbol:      r.Symbol,
			Quantity:    r.Quantity,
			EntryPrice:  r.EntryPrice,
			OpenedAt:    r.OpenedAt,
			ClosedAt:    &closed,
			ExitPrice:   r.ExitPrice,
			RealizedPnL: &pnl,
			Reason:      r.Reason,
		},
		ReturnPct:   r.ReturnPct,
		EquityAfter: r.EquityAfter,
	}
}
