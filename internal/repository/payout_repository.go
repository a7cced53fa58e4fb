package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/blues/groupbuy/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PayoutRepository 待发送出款队列
type PayoutRepository struct {
	db *gorm.DB
}

// NewPayoutRepository 创建出款队列
func NewPayoutRepository(db *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// ClaimPending 领取最多 limit 条待发送出款并置为发送中
func (r *PayoutRepository) ClaimPending(ctx context.Context, limit int) ([]model.Payout, error) {
	var rows []model.PayoutModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ?", model.PayoutStatusPending).Order("id ASC").Limit(limit)
		if supportsRowLock(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := query.Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, len(rows))
		for i := range rows {
			ids[i] = rows[i].Id
			rows[i].Status = model.PayoutStatusSending
		}
		return tx.Model(&model.PayoutModel{}).
			Where("id IN ? AND status = ?", ids, model.PayoutStatusPending).
			Update("status", model.PayoutStatusSending).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim payouts: %w", err)
	}

	payouts := make([]model.Payout, len(rows))
	for i, row := range rows {
		payouts[i] = row.ToPayout()
	}
	return payouts, nil
}

// ReleaseStale 把 before 之前领取但未落库交易的出款放回待发送
// 发送中的出款从未广播过，放回去不会重复转账
func (r *PayoutRepository) ReleaseStale(ctx context.Context, before time.Time) (int, error) {
	result := r.db.WithContext(ctx).Model(&model.PayoutModel{}).
		Where("status = ? AND updated_at < ?", model.PayoutStatusSending, before).
		Update("status", model.PayoutStatusPending)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to release stale payouts: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// MarkSubmitted 广播前保存已签名交易，只对仍在发送中的出款生效
func (r *PayoutRepository) MarkSubmitted(ctx context.Context, id int64, txHash common.Hash, nonce uint64, raw []byte) error {
	result := r.db.WithContext(ctx).Model(&model.PayoutModel{}).
		Where("id = ? AND status = ?", id, model.PayoutStatusSending).
		Updates(map[string]interface{}{
			"status":  model.PayoutStatusSubmitted,
			"tx_hash": txHash.Hex(),
			"nonce":   nonce,
			"raw_tx":  hexutil.Encode(raw),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark payout %d submitted: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("payout %d is no longer sending", id)
	}
	return nil
}

// Submitted 已广播、等待核对的出款
func (r *PayoutRepository) Submitted(ctx context.Context, limit int) ([]model.Payout, error) {
	var rows []model.PayoutModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", model.PayoutStatusSubmitted).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list submitted payouts: %w", err)
	}
	payouts := make([]model.Payout, len(rows))
	for i, row := range rows {
		payouts[i] = row.ToPayout()
	}
	return payouts, nil
}

// MarkSent 记录上链交易
func (r *PayoutRepository) MarkSent(ctx context.Context, id int64, txHash common.Hash) error {
	return r.db.WithContext(ctx).Model(&model.PayoutModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.PayoutStatusSent,
			"tx_hash":    txHash.Hex(),
			"last_error": "",
		}).Error
}

// MarkRetry 发送失败，次数用尽后置为失败，返回新状态
func (r *PayoutRepository) MarkRetry(ctx context.Context, id int64, cause error, maxAttempts int) (model.PayoutStatus, error) {
	var status model.PayoutStatus
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.PayoutModel
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		row.Attempts++
		status = model.PayoutStatusPending
		if row.Attempts >= maxAttempts {
			status = model.PayoutStatusFailed
		}
		return tx.Model(&row).Updates(map[string]interface{}{
			"status":     status,
			"attempts":   row.Attempts,
			"last_error": cause.Error(),
		}).Error
	})
	if err != nil {
		return "", fmt.Errorf("failed to update payout %d: %w", id, err)
	}
	return status, nil
}
