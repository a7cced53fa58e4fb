package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/blues/groupbuy/internal/config"
	"github.com/blues/groupbuy/internal/ethereum"
	"github.com/blues/groupbuy/internal/logger"
	"github.com/blues/groupbuy/internal/metrics"
	"github.com/blues/groupbuy/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"
)

// Sender 链上转账
type Sender interface {
	// Send 签名后先调用 persist 保存交易，保存成功才广播
	Send(ctx context.Context, to common.Address, amount uint64, persist func(tx ethereum.SignedTransfer) error) (ethereum.SignedTransfer, error)
	Rebroadcast(ctx context.Context, raw []byte) error
	TransferStatus(ctx context.Context, hash common.Hash, nonce uint64) (ethereum.TransferStatus, error)
}

// PayoutQueue 待发送出款队列
type PayoutQueue interface {
	ClaimPending(ctx context.Context, limit int) ([]model.Payout, error)
	ReleaseStale(ctx context.Context, before time.Time) (int, error)
	MarkSubmitted(ctx context.Context, id int64, txHash common.Hash, nonce uint64, raw []byte) error
	Submitted(ctx context.Context, limit int) ([]model.Payout, error)
	MarkSent(ctx context.Context, id int64, txHash common.Hash) error
	MarkRetry(ctx context.Context, id int64, cause error, maxAttempts int) (model.PayoutStatus, error)
}

// PayoutDispatchJob 发送账本中已确认的出款
type PayoutDispatchJob struct {
	queue  PayoutQueue
	sender Sender
	config config.TaskConfig
}

// NewPayoutDispatchJob 创建出款发送任务
func NewPayoutDispatchJob(queue PayoutQueue, sender Sender, cfg config.TaskConfig) *PayoutDispatchJob {
	if cfg.PayoutBatch <= 0 {
		cfg.PayoutBatch = 100
	}
	if cfg.PayoutMaxAttempts <= 0 {
		cfg.PayoutMaxAttempts = 5
	}
	return &PayoutDispatchJob{queue: queue, sender: sender, config: cfg}
}

// GetName 获取任务名称
func (j *PayoutDispatchJob) GetName() string {
	return "payout_dispatcher"
}

// GetSchedule 获取调度配置
func (j *PayoutDispatchJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(j.config.Interval) * time.Second)
}

// Execute 执行任务
func (j *PayoutDispatchJob) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout(j.config))
	defer cancel()

	result, err := j.Run(ctx)
	if err != nil {
		logger.Error("Payout dispatch failed: %v", err)
		return
	}
	if result.Submitted > 0 || result.Confirmed > 0 {
		logger.Info("Payout dispatch completed. Submitted %d, confirmed %d", result.Submitted, result.Confirmed)
	}
}

// DispatchResult 一轮出款的结果
type DispatchResult struct {
	Submitted int // 本轮新广播
	Confirmed int // 本轮确认上链
}

// Run 放回卡住的出款，核对已广播的交易，再领取一批新出款发送
func (j *PayoutDispatchJob) Run(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult

	released, err := j.queue.ReleaseStale(ctx, time.Now().Add(-staleAfter(j.config)))
	if err != nil {
		return result, err
	}
	if released > 0 {
		logger.Warn("Released %d payouts claimed but never broadcast", released)
	}

	submitted, err := j.queue.Submitted(ctx, j.config.PayoutBatch)
	if err != nil {
		return result, err
	}
	var confirmed atomic.Int64
	if err := fanOut(j.config.Workers, submitted, func(p model.Payout) {
		if j.reconcile(ctx, p) {
			confirmed.Add(1)
		}
	}); err != nil {
		return result, err
	}
	result.Confirmed = int(confirmed.Load())

	payouts, err := j.queue.ClaimPending(ctx, j.config.PayoutBatch)
	if err != nil {
		return result, err
	}
	var sent atomic.Int64
	err = fanOut(j.config.Workers, payouts, func(p model.Payout) {
		if j.dispatch(ctx, p) {
			sent.Add(1)
		}
	})
	result.Submitted = int(sent.Load())
	return result, err
}

// dispatch 签名并广播一笔出款，只有广播前失败才放回待发送
func (j *PayoutDispatchJob) dispatch(ctx context.Context, p model.Payout) bool {
	tx, err := j.sender.Send(ctx, p.To, p.Amount, func(tx ethereum.SignedTransfer) error {
		return j.queue.MarkSubmitted(ctx, p.ID, tx.Hash, tx.Nonce, tx.Raw)
	})
	switch {
	case err == nil:
		metrics.PayoutDispatch.WithLabelValues(string(model.PayoutStatusSubmitted)).Inc()
		logger.Info("Payout %d (%s) of %d to %s submitted in %s", p.ID, p.Kind, p.Amount, p.To.Hex(), tx.Hash.Hex())
		return true
	case errors.Is(err, ethereum.ErrBroadcastFailed):
		// 交易已落库，可能已被节点接收，交给核对流程
		logger.Warn("Payout %d broadcast of %s unconfirmed: %v", p.ID, tx.Hash.Hex(), err)
		return false
	default:
		j.retry(ctx, p, err)
		return false
	}
}

// reconcile 核对已广播的出款，确认上链时返回 true
func (j *PayoutDispatchJob) reconcile(ctx context.Context, p model.Payout) bool {
	status, err := j.sender.TransferStatus(ctx, p.TxHash, p.Nonce)
	if err != nil {
		logger.Warn("Failed to check payout %d tx %s: %v", p.ID, p.TxHash.Hex(), err)
		return false
	}

	switch status {
	case ethereum.TransferConfirmed:
		if err := j.queue.MarkSent(ctx, p.ID, p.TxHash); err != nil {
			logger.Error("Payout %d confirmed in %s but not recorded: %v", p.ID, p.TxHash.Hex(), err)
			return false
		}
		metrics.PayoutDispatch.WithLabelValues(string(model.PayoutStatusSent)).Inc()
		logger.Info("Payout %d of %d to %s confirmed in %s", p.ID, p.Amount, p.To.Hex(), p.TxHash.Hex())
		return true
	case ethereum.TransferReverted:
		j.retry(ctx, p, fmt.Errorf("%w: %s", ethereum.ErrTxReverted, p.TxHash.Hex()))
	case ethereum.TransferDropped:
		// nonce 已被占用，这笔交易不可能再上链，重新签名是安全的
		j.retry(ctx, p, fmt.Errorf("tx %s dropped", p.TxHash.Hex()))
	default:
		if err := j.sender.Rebroadcast(ctx, p.RawTx); err != nil {
			logger.Warn("Failed to rebroadcast payout %d tx %s: %v", p.ID, p.TxHash.Hex(), err)
		}
	}
	return false
}

// retry 资金确定没有转出时放回待发送，次数用尽后置为失败
func (j *PayoutDispatchJob) retry(ctx context.Context, p model.Payout, cause error) {
	status, err := j.queue.MarkRetry(ctx, p.ID, cause, j.config.PayoutMaxAttempts)
	if err != nil {
		logger.Error("Failed to record payout %d failure: %v", p.ID, err)
		return
	}
	metrics.PayoutDispatch.WithLabelValues(string(status)).Inc()
	if status == model.PayoutStatusFailed {
		logger.Error("Payout %d of %d to %s failed permanently: %v", p.ID, p.Amount, p.To.Hex(), cause)
	} else {
		logger.Warn("Payout %d of %d to %s failed, will retry: %v", p.ID, p.Amount, p.To.Hex(), cause)
	}
}

// staleAfter 超过该时长仍在发送中的出款视为上一轮中断
func staleAfter(cfg config.TaskConfig) time.Duration {
	return max(10*time.Minute, 2*jobTimeout(cfg))
}

// jobTimeout 单次执行不超过调度间隔
func jobTimeout(cfg config.TaskConfig) time.Duration {
	if cfg.Interval <= 0 {
		return time.Minute
	}
	return time.Duration(cfg.Interval) * time.Second
}
