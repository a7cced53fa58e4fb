package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blues/groupbuy/internal/config"
	"github.com/blues/groupbuy/internal/ethereum"
	"github.com/blues/groupbuy/internal/logger"
	"github.com/blues/groupbuy/internal/logic"
	"github.com/blues/groupbuy/internal/metrics"
	"github.com/blues/groupbuy/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/panjf2000/ants/v2"
)

// 扫描游标名称
const depositCursor = "deposit"

// ChainReader 区块与日志读取
type ChainReader interface {
	GetLatestBlock(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error)
}

// EventStore 充值事件与扫描游标存储
type EventStore interface {
	RecordDeposit(ctx context.Context, ev *model.DepositEventModel) (bool, error)
	Cursor(ctx context.Context, name string) (int64, bool, error)
	SaveCursor(ctx context.Context, name string, block int64) error
}

// Funding 充值入账，入账或退回与充值状态在同一事务中写入
type Funding interface {
	CreditDeposit(ctx context.Context, ev *model.DepositEventModel) (*logic.Receipt, error)
}

// DepositMonitor 扫描充值合约事件并计入账本
type DepositMonitor struct {
	chain   ChainReader
	events  EventStore
	funding Funding
	cfg     config.ChainConfig

	// Poll 不可重入
	mu sync.Mutex
}

// NewDepositMonitor 创建充值监控器
func NewDepositMonitor(chain ChainReader, events EventStore, funding Funding, cfg config.ChainConfig) *DepositMonitor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &DepositMonitor{
		chain:   chain,
		events:  events,
		funding: funding,
		cfg:     cfg,
	}
}

// Poll 扫描到最新的已确认区块，返回处理的事件数
func (m *DepositMonitor) Poll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest, err := m.chain.GetLatestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	if int64(latest) < m.cfg.Confirmations {
		return 0, nil
	}
	safe := int64(latest) - m.cfg.Confirmations

	cursor, ok, err := m.events.Cursor(ctx, depositCursor)
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	from := m.cfg.StartBlock
	if ok {
		from = cursor + 1
	}

	processed := 0
	for from <= safe {
		to := from + m.cfg.BatchSize - 1
		if to > safe {
			to = safe
		}

		n, err := m.processBatch(ctx, from, to)
		processed += n
		if err != nil {
			return processed, err
		}
		if err := m.events.SaveCursor(ctx, depositCursor, to); err != nil {
			return processed, fmt.Errorf("failed to save cursor: %w", err)
		}
		logger.Debug("Processed deposit blocks %d-%d", from, to)
		from = to + 1
	}
	return processed, nil
}

// processBatch 按商品分组并发处理，同一商品内按日志顺序处理
func (m *DepositMonitor) processBatch(ctx context.Context, from, to int64) (int, error) {
	logs, err := m.chain.GetLogs(ctx, uint64(from), uint64(to))
	if err != nil {
		return 0, fmt.Errorf("failed to get logs for blocks %d-%d: %w", from, to, err)
	}
	if len(logs) == 0 {
		return 0, nil
	}

	groups := make(map[common.Hash][]*ethereum.DepositEvent)
	var order []common.Hash
	for _, l := range logs {
		ev, err := ethereum.ParseDeposit(l)
		if err != nil {
			metrics.DepositEvents.WithLabelValues("malformed").Inc()
			logger.Warn("Skipping log %s#%d: %v", l.TxHash.Hex(), l.Index, err)
			continue
		}
		if ev.Removed {
			continue
		}
		if _, ok := groups[ev.ProductID]; !ok {
			order = append(order, ev.ProductID)
		}
		groups[ev.ProductID] = append(groups[ev.ProductID], ev)
	}
	if len(order) == 0 {
		return 0, nil
	}

	pool, err := ants.NewPool(len(order))
	if err != nil {
		return 0, fmt.Errorf("failed to create pool for %d groups: %w", len(order), err)
	}
	defer pool.Release()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
		firstErr  error
	)
	for _, id := range order {
		deposits := groups[id]
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			for _, ev := range deposits {
				handled, err := m.handleDeposit(ctx, ev)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					// 后续充值依赖本笔的结果，停止处理该商品
					return
				}
				if handled {
					mu.Lock()
					processed++
					mu.Unlock()
				}
			}
		}); err != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to submit task to pool: %w", err)
			}
			mu.Unlock()
			break
		}
	}
	wg.Wait()
	return processed, firstErr
}

// handleDeposit 入账或退回一笔充值，已处理的充值直接跳过并返回 false
func (m *DepositMonitor) handleDeposit(ctx context.Context, ev *ethereum.DepositEvent) (bool, error) {
	record := &model.DepositEventModel{
		ContractAddress: m.cfg.EscrowContract,
		ProductId:       ev.ProductID.Hex(),
		Funder:          ev.Funder.Hex(),
		Amount:          ev.Amount,
		TxHash:          ev.TxHash.Hex(),
		LogIndex:        int64(ev.LogIndex),
		BlockNum:        int64(ev.BlockNumber),
		Status:          model.DepositStatusPending,
	}
	pending, err := m.events.RecordDeposit(ctx, record)
	if err != nil {
		return false, fmt.Errorf("failed to record deposit %s#%d: %w", record.TxHash, record.LogIndex, err)
	}
	if !pending {
		metrics.DepositEvents.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	receipt, err := m.funding.CreditDeposit(ctx, record)
	if errors.Is(err, logic.ErrAlreadyExists) {
		metrics.DepositEvents.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to credit deposit %s#%d: %w", record.TxHash, record.LogIndex, err)
	}
	if receipt.Deposit == model.DepositStatusBounced {
		logger.Warn("Bounced deposit of %d from %s to drop %s: %s", ev.Amount, ev.Funder.Hex(), ev.ProductID.Hex(), receipt.RejectReason)
	}
	metrics.DepositEvents.WithLabelValues(string(receipt.Deposit)).Inc()
	return true, nil
}
