package task

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/blues/groupbuy/internal/config"
	"github.com/blues/groupbuy/internal/logger"
	"github.com/blues/groupbuy/internal/logic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"
)

// Expirer 释放被隐式取消的团购
type Expirer interface {
	ExpiredDrops(ctx context.Context) ([]common.Hash, error)
	Expire(ctx context.Context, id common.Hash) (*logic.Receipt, error)
}

// ExpirySweepJob 扫描未达标或未按时结算的团购并退款
type ExpirySweepJob struct {
	drops  Expirer
	config config.TaskConfig
}

// NewExpirySweepJob 创建过期扫描任务
func NewExpirySweepJob(drops Expirer, cfg config.TaskConfig) *ExpirySweepJob {
	return &ExpirySweepJob{drops: drops, config: cfg}
}

// GetName 获取任务名称
func (j *ExpirySweepJob) GetName() string {
	return "drop_expiry_sweeper"
}

// GetSchedule 获取调度配置
func (j *ExpirySweepJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(j.config.Interval) * time.Second)
}

// Execute 执行任务
func (j *ExpirySweepJob) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout(j.config))
	defer cancel()

	expired, err := j.Run(ctx)
	if err != nil {
		logger.Error("Drop expiry sweep failed: %v", err)
		return
	}
	if expired > 0 {
		logger.Info("Drop expiry sweep completed. Expired %d drops", expired)
	}
}

// Run 释放所有到期团购，返回成功数
func (j *ExpirySweepJob) Run(ctx context.Context) (int, error) {
	ids, err := j.drops.ExpiredDrops(ctx)
	if err != nil {
		return 0, err
	}

	var expired atomic.Int64
	err = fanOut(j.config.Workers, ids, func(id common.Hash) {
		if _, err := j.drops.Expire(ctx, id); err != nil {
			// 扫描与执行之间可能已被其他实例处理
			if errors.Is(err, logic.ErrIllegalState) {
				return
			}
			logger.Error("Failed to expire drop %s: %v", id.Hex(), err)
			return
		}
		expired.Add(1)
	})
	return int(expired.Load()), err
}
