package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tradegate/internal/store"
	storemodel "tradegate/internal/store/model"
	"tradegate/internal/trade"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type orderModel = storemodel.OrderModel
type orderEventModel = storemodel.OrderEventModel

// GormStore implements store.Ledger on SQLite.
type GormStore struct {
	db      *gorm.DB
	nowFn   func() time.Time
	// SQLite admits one writer; queueing here avoids SQLITE_BUSY on lock upgrade.
	writeMu sync.Mutex
}

var _ store.Ledger = (*GormStore)(nil)

// NewGormStore opens (or creates) the ledger database at path.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: ledger path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&orderModel{}, &orderEventModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little read parallelism for HTTP queries, one writer at a time.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db, nowFn: time.Now}, nil
}

// SetClock overrides the timestamp source, for tests.
func (s *GormStore) SetClock(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *GormStore) Create(ctx context.Context, o *trade.Order) error {
	if o == nil {
		return fmt.Errorf("gorm store: nil order")
	}
	now := s.now()
	if o.Status == "" {
		o.Status = trade.StatusPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	m := newOrderModel(*o)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		o.ID = m.ID
		return appendEvent(tx, m.ID, "", o.Status, map[string]any{"instrument": o.Instrument, "direction": o.Direction}, now)
	})
}

func (s *GormStore) Get(ctx context.Context, id int64) (trade.Order, error) {
	var m orderModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return trade.Order{}, fmt.Errorf("order %d: %w", id, trade.ErrNotFound)
	}
	if err != nil {
		return trade.Order{}, err
	}
	return orderOf(m), nil
}

// Transition re-reads the row inside a transaction and applies the change with
// a status-guarded UPDATE, so concurrent closers cannot both succeed.
func (s *GormStore) Transition(ctx context.Context, id int64, from []trade.Status, to trade.Status, mutate store.Mutator) (bool, error) {
	moved := false
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m orderModel
		if err := tx.Where("id = ?", id).Take(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("order %d: %w", id, trade.ErrNotFound)
			}
			return err
		}
		current := trade.Status(m.Status)
		if !containsStatus(from, current) {
			return nil
		}
		if !trade.CanTransition(current, to) {
			return fmt.Errorf("order %d: illegal transition %s -> %s", id, current, to)
		}
		order := orderOf(m)
		if mutate != nil {
			mutate(&order)
		}
		now := s.now()
		order.Status = to
		order.UpdatedAt = now
		if to == trade.StatusClosed {
			if order.ClosedAt == nil {
				order.ClosedAt = &now
			}
			if order.PnL == nil {
				zero := 0.0
				order.PnL = &zero
			}
		}
		if err := checkInvariants(order); err != nil {
			return fmt.Errorf("order %d: %w", id, err)
		}
		res := tx.Model(&orderModel{}).
			Where("id = ? AND status = ?", id, string(current)).
			Updates(mutableColumns(newOrderModel(order)))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		moved = true
		return appendEvent(tx, id, current, to, transitionDetails(order), now)
	})
	return moved, err
}

func (s *GormStore) Amend(ctx context.Context, id int64, status trade.Status, mutate store.Mutator) (bool, error) {
	amended := false
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m orderModel
		if err := tx.Where("id = ? AND status = ?", id, string(status)).Take(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		order := orderOf(m)
		if mutate != nil {
			mutate(&order)
		}
		order.Status = status
		order.UpdatedAt = s.now()
		if err := checkInvariants(order); err != nil {
			return fmt.Errorf("order %d: %w", id, err)
		}
		res := tx.Model(&orderModel{}).
			Where("id = ? AND status = ?", id, string(status)).
			Updates(mutableColumns(newOrderModel(order)))
		if res.Error != nil {
			return res.Error
		}
		amended = res.RowsAffected > 0
		return nil
	})
	return amended, err
}

func (s *GormStore) ListByStatus(ctx context.Context, statuses ...trade.Status) ([]trade.Order, error) {
	var rows []orderModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", statusStrings(statuses)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toOrders(rows), nil
}

func (s *GormStore) ListOpen(ctx context.Context, key trade.PositionKey, status trade.Status) ([]trade.Order, error) {
	var rows []orderModel
	err := s.db.WithContext(ctx).
		Where("instrument = ? AND direction = ? AND status = ?", key.Instrument, string(key.Direction), string(status)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toOrders(rows), nil
}

func (s *GormStore) RecentClosed(ctx context.Context, limit int) ([]trade.Order, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []orderModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND closed_at IS NOT NULL", string(trade.StatusClosed)).
		Order("closed_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toOrders(rows), nil
}

func (s *GormStore) CountCreatedSince(ctx context.Context, since time.Time, statuses ...trade.Status) (int, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&orderModel{}).Where("created_at >= ?", since.UnixMilli())
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *GormStore) SumClosedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&orderModel{}).
		Select("COALESCE(SUM(pnl), 0)").
		Where("status = ? AND pnl IS NOT NULL AND closed_at >= ?", string(trade.StatusClosed), since.UnixMilli()).
		Scan(&total).Error
	return total, err
}

func (s *GormStore) Recent(ctx context.Context, limit int) ([]trade.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []orderModel
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toOrders(rows), nil
}

func (s *GormStore) Events(ctx context.Context, orderID int64) ([]store.Event, error) {
	var rows []orderEventModel
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.Event, 0, len(rows))
	for _, r := range rows {
		ev := store.Event{
			OrderID:   r.OrderID,
			From:      trade.Status(r.FromStatus),
			To:        trade.Status(r.ToStatus),
			Timestamp: millisToTime(r.Timestamp),
		}
		if len(r.Details) > 0 {
			_ = json.Unmarshal(r.Details, &ev.Details)
		}
		out = append(out, ev)
	}
	return out, nil
}

func appendEvent(tx *gorm.DB, orderID int64, from, to trade.Status, details map[string]any, at time.Time) error {
	raw, _ := json.Marshal(details)
	return tx.Create(&orderEventModel{
		OrderID:    orderID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Details:    datatypes.JSON(raw),
		Timestamp:  at.UnixMilli(),
	}).Error
}

func transitionDetails(o trade.Order) map[string]any {
	details := map[string]any{"size": o.Size}
	if o.BrokerOrderID != "" {
		details["broker_order_id"] = o.BrokerOrderID
	}
	if o.Reason != "" {
		details["reason"] = o.Reason
	}
	if o.PnL != nil {
		details["pnl"] = *o.PnL
	}
	if o.FillPrice > 0 {
		details["fill_price"] = o.FillPrice
	}
	return details
}

func checkInvariants(o trade.Order) error {
	if o.Status.Sized() && o.Size <= 0 {
		return fmt.Errorf("status %s requires size > 0", o.Status)
	}
	if o.Status == trade.StatusExecuted && (o.EntryPrice <= 0 || o.StopPrice <= 0) {
		return fmt.Errorf("executed row requires entry_price and stop_price")
	}
	if o.Status == trade.StatusClosed && (o.ClosedAt == nil || o.PnL == nil) {
		return fmt.Errorf("closed row requires closed_at and pnl")
	}
	return nil
}

func containsStatus(list []trade.Status, s trade.Status) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func statusStrings(statuses []trade.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
