package ethereum

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// 充值合约ABI，只包含监听的事件
const escrowABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "productId", "type": "bytes32"},
			{"indexed": true, "name": "funder", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		],
		"name": "Deposited",
		"type": "event"
	}
]`

var parsedABI = mustParseABI(escrowABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse contract ABI: %v", err))
	}
	return parsed
}

// DepositedEventID Deposited 事件签名
func DepositedEventID() common.Hash {
	return parsedABI.Events["Deposited"].ID
}

// DepositEvent 一次链上充值
type DepositEvent struct {
	ProductID   common.Hash
	Funder      common.Address
	Amount      uint64
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Removed     bool
}

// ParseDeposit 解析 Deposited 事件日志
func ParseDeposit(log types.Log) (*DepositEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != DepositedEventID() {
		return nil, fmt.Errorf("unknown event signature")
	}
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("invalid Deposited event: insufficient topics")
	}

	values, err := parsedABI.Unpack("Deposited", log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack Deposited data: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("invalid Deposited event: unexpected data")
	}
	amount, ok := values[0].(*big.Int)
	if !ok || !amount.IsUint64() {
		return nil, fmt.Errorf("invalid Deposited event: amount out of range")
	}

	return &DepositEvent{
		ProductID:   log.Topics[1],
		Funder:      common.BytesToAddress(log.Topics[2].Bytes()),
		Amount:      amount.Uint64(),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
		Removed:     log.Removed,
	}, nil
}

// EncodeDeposit 构造 Deposited 日志，供测试与本地联调使用
func EncodeDeposit(product common.Hash, funder common.Address, amount *big.Int) (types.Log, error) {
	data, err := parsedABI.Events["Deposited"].Inputs.NonIndexed().Pack(amount)
	if err != nil {
		return types.Log{}, fmt.Errorf("failed to pack Deposited data: %w", err)
	}
	return types.Log{
		Topics: []common.Hash{DepositedEventID(), product, common.BytesToHash(funder.Bytes())},
		Data:   data,
	}, nil
}
