package task

import (
	"context"
	"time"

	"github.com/blues/groupbuy/internal/logger"
	"github.com/go-co-op/gocron/v2"
)

// DepositPoller 链上充值扫描
type DepositPoller interface {
	Poll(ctx context.Context) (int, error)
}

// DepositPollJob 定时扫描充值事件
type DepositPollJob struct {
	poller   DepositPoller
	interval time.Duration
}

// NewDepositPollJob 创建充值扫描任务
func NewDepositPollJob(poller DepositPoller, interval time.Duration) *DepositPollJob {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DepositPollJob{poller: poller, interval: interval}
}

// GetName 获取任务名称
func (j *DepositPollJob) GetName() string {
	return "deposit_poller"
}

// GetSchedule 获取调度配置
func (j *DepositPollJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

// Execute 执行任务
func (j *DepositPollJob) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()

	n, err := j.poller.Poll(ctx)
	if err != nil {
		logger.Error("Deposit poll failed: %v", err)
		return
	}
	if n > 0 {
		logger.Info("Deposit poll completed. Processed %d deposits", n)
	}
}
