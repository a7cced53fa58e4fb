package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blues/groupbuy/internal/logic"
	"github.com/blues/groupbuy/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DropRepository 基于数据库的账本，出款先写入 payout 表再由任务发送
type DropRepository struct {
	db *gorm.DB
}

// NewDropRepository 创建账本仓库
func NewDropRepository(db *gorm.DB) *DropRepository {
	return &DropRepository{db: db}
}

// Atomic 在一个数据库事务中执行
func (r *DropRepository) Atomic(ctx context.Context, fn func(s logic.Session) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&dbSession{tx: tx})
	})
}

// Drop 只读查询，不加行锁；关系型库用可重复读保证主表与槽位一致
func (r *DropRepository) Drop(ctx context.Context, id common.Hash) (*model.Drop, error) {
	var (
		drop *model.Drop
		opts []*sql.TxOptions
	)
	if supportsRowLock(r.db) {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		drop, err = loadDrop(tx, id, false)
		return err
	}, opts...)
	if err != nil {
		return nil, err
	}
	return drop, nil
}

// OpenDrops 未取消也未结算的团购
func (r *DropRepository) OpenDrops(ctx context.Context) ([]common.Hash, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&model.DropModel{}).
		Where("canceled = ? AND settled = ?", false, false).
		Order("funding_deadline ASC").
		Pluck("product_id", &ids).Error; err != nil {
		return nil, err
	}
	result := make([]common.Hash, len(ids))
	for i, id := range ids {
		result[i] = common.HexToHash(id)
	}
	return result, nil
}

// Payouts 团购的出款记录，按写入顺序
func (r *DropRepository) Payouts(ctx context.Context, id common.Hash) ([]model.Payout, error) {
	var rows []model.PayoutModel
	if err := r.db.WithContext(ctx).
		Where("product_id = ?", id.Hex()).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	payouts := make([]model.Payout, len(rows))
	for i, row := range rows {
		payouts[i] = row.ToPayout()
	}
	return payouts, nil
}

type dbSession struct {
	tx *gorm.DB
}

func (s *dbSession) Drop(id common.Hash) (*model.Drop, error) {
	return loadDrop(s.tx, id, supportsRowLock(s.tx))
}

// loadDrop 读取团购及其槽位，forUpdate 时锁住主表行
func loadDrop(tx *gorm.DB, id common.Hash, forUpdate bool) (*model.Drop, error) {
	query := tx
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row model.DropModel
	if err := query.Where("product_id = ?", id.Hex()).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var funders []model.DropFunderModel
	if err := tx.Where("product_id = ?", row.ProductId).
		Order("slot ASC").
		Find(&funders).Error; err != nil {
		return nil, err
	}
	return row.ToDrop(funders), nil
}

func (s *dbSession) SaveDrop(d *model.Drop) error {
	row, funders := model.NewDropModel(d)
	if err := s.tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"updated_at", "raised", "proof", "canceled", "settled",
		}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to upsert drop: %w", err)
	}

	if len(funders) == 0 {
		return nil
	}
	// 槽位只追加不删除，已有槽位原地更新
	if err := s.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}, {Name: "slot"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "amount"}),
	}).Create(&funders).Error; err != nil {
		return fmt.Errorf("failed to upsert funders: %w", err)
	}
	return nil
}

func (s *dbSession) Transfer(p model.Payout) error {
	row := model.NewPayoutModel(p)
	if err := s.tx.Create(&row).Error; err != nil {
		return fmt.Errorf("%w: failed to queue payout: %v", logic.ErrTransferFailed, err)
	}
	return nil
}

func (s *dbSession) Deposit(txHash string, logIndex int64) (*model.DepositEventModel, error) {
	query := s.tx
	if supportsRowLock(s.tx) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row model.DepositEventModel
	if err := query.Where("tx_hash = ? AND log_index = ?", txHash, logIndex).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (s *dbSession) SaveDeposit(ev *model.DepositEventModel) error {
	result := s.tx.Model(&model.DepositEventModel{}).
		Where("tx_hash = ? AND log_index = ?", ev.TxHash, ev.LogIndex).
		Updates(map[string]interface{}{
			"status":        ev.Status,
			"reject_reason": ev.RejectReason,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update deposit: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("deposit %s#%d not found", ev.TxHash, ev.LogIndex)
	}
	return nil
}
