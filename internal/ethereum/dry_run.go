package ethereum

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/blues/groupbuy/internal/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DryRunSender 未接链时使用，只记录日志并返回伪造的交易哈希
type DryRunSender struct {
	seq atomic.Uint64
}

// NewDryRunSender 创建空跑发送器
func NewDryRunSender() *DryRunSender {
	return &DryRunSender{}
}

// Send 实现 task.Sender
func (d *DryRunSender) Send(ctx context.Context, to common.Address, amount uint64, persist func(tx SignedTransfer) error) (SignedTransfer, error) {
	if err := ctx.Err(); err != nil {
		return SignedTransfer{}, err
	}
	seq := d.seq.Add(1)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], seq)
	binary.BigEndian.PutUint64(buf[8:], amount)
	tx := SignedTransfer{
		Hash:  crypto.Keccak256Hash(to.Bytes(), buf[:]),
		Nonce: seq,
		Raw:   buf[:],
	}
	if err := persist(tx); err != nil {
		return SignedTransfer{}, fmt.Errorf("failed to persist tx %s: %w", tx.Hash.Hex(), err)
	}
	logger.Info("Dry run payout of %d to %s: %s", amount, to.Hex(), tx.Hash.Hex())
	return tx, nil
}

// Rebroadcast 实现 task.Sender
func (d *DryRunSender) Rebroadcast(ctx context.Context, raw []byte) error {
	return ctx.Err()
}

// TransferStatus 空跑交易视为立即确认
func (d *DryRunSender) TransferStatus(ctx context.Context, hash common.Hash, nonce uint64) (TransferStatus, error) {
	if err := ctx.Err(); err != nil {
		return TransferPending, err
	}
	return TransferConfirmed, nil
}
