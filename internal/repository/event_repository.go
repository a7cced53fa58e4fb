package repository

import (
	"context"
	"errors"

	"github.com/blues/groupbuy/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventRepository 链上充值事件与扫描游标
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository 创建事件仓库
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// RecordDeposit 记录充值事件，返回是否需要处理
// 已处理过的事件返回 false，上次处理中断的事件返回 true
func (r *EventRepository) RecordDeposit(ctx context.Context, ev *model.DepositEventModel) (bool, error) {
	if ev.Status == "" {
		ev.Status = model.DepositStatusPending
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(ev)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var existing model.DepositEventModel
	if err := r.db.WithContext(ctx).
		Where("tx_hash = ? AND log_index = ?", ev.TxHash, ev.LogIndex).
		First(&existing).Error; err != nil {
		return false, err
	}
	return existing.Status == model.DepositStatusPending, nil
}

// Cursor 读取扫描游标
func (r *EventRepository) Cursor(ctx context.Context, name string) (int64, bool, error) {
	var row model.ChainCursorModel
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return row.BlockNum, true, nil
}

// SaveCursor 保存扫描游标
func (r *EventRepository) SaveCursor(ctx context.Context, name string, block int64) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_num", "updated_at"}),
	}).Create(&model.ChainCursorModel{Name: name, BlockNum: block}).Error
}
