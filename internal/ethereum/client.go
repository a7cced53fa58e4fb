package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/blues/groupbuy/internal/config"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// 原生转账的固定 gas
const transferGas = 21000

var (
	// ErrTxReverted 交易上链但执行失败
	ErrTxReverted = errors.New("transaction reverted")
	// ErrBroadcastFailed 交易已签名落库，但广播结果未知
	ErrBroadcastFailed = errors.New("broadcast failed")
)

// SignedTransfer 已签名的原生转账
type SignedTransfer struct {
	Hash  common.Hash
	Nonce uint64
	Raw   []byte
}

// TransferStatus 已广播转账的链上结果
type TransferStatus int

const (
	TransferPending   TransferStatus = iota // 尚未上链，可原样重新广播
	TransferConfirmed                       // 上链且执行成功
	TransferReverted                        // 上链但执行失败，资金未转出
	TransferDropped                         // nonce 已被其他交易占用，不会再上链
)

func (s TransferStatus) String() string {
	switch s {
	case TransferConfirmed:
		return "confirmed"
	case TransferReverted:
		return "reverted"
	case TransferDropped:
		return "dropped"
	default:
		return "pending"
	}
}

// backend ethclient.Client 中用到的方法
type backend interface {
	bind.DeployBackend
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Client 托管账户的链上客户端
type Client struct {
	client       backend
	privateKey   *ecdsa.PrivateKey
	chainID      *big.Int
	ContractAddr common.Address

	// 串行化 nonce 分配
	sendMu sync.Mutex
}

// Dial 连接节点并解析托管私钥
func Dial(cfg config.ChainConfig) (*Client, error) {
	client, err := ethclient.Dial(cfg.RpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ethereum client: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return NewClient(client, privateKey, big.NewInt(cfg.ChainId), common.HexToAddress(cfg.EscrowContract)), nil
}

// NewClient 使用已有连接创建客户端
func NewClient(b backend, privateKey *ecdsa.PrivateKey, chainID *big.Int, contract common.Address) *Client {
	return &Client{
		client:       b,
		privateKey:   privateKey,
		chainID:      chainID,
		ContractAddr: contract,
	}
}

// GetAccountAddress 托管账户地址
func (c *Client) GetAccountAddress() common.Address {
	return crypto.PubkeyToAddress(c.privateKey.PublicKey)
}

// GetLatestBlock 获取最新区块号
func (c *Client) GetLatestBlock(ctx context.Context) (uint64, error) {
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

// GetLogs 获取充值合约在指定区块范围内的日志
func (c *Client) GetLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.ContractAddr},
		Topics:    [][]common.Hash{{DepositedEventID()}},
	}
	return c.client.FilterLogs(ctx, query)
}

// Send 从托管账户向 to 转出 amount wei
// 签名后先调用 persist 保存交易，persist 失败则不广播；广播失败返回 ErrBroadcastFailed，
// 此时交易已保存，需要通过 TransferStatus 核对后再决定重新广播
func (c *Client) Send(ctx context.Context, to common.Address, amount uint64, persist func(tx SignedTransfer) error) (SignedTransfer, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.GetAccountAddress())
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).SetUint64(amount),
		Gas:      transferGas,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("failed to sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return SignedTransfer{}, fmt.Errorf("failed to encode tx: %w", err)
	}

	result := SignedTransfer{Hash: signed.Hash(), Nonce: nonce, Raw: raw}
	if err := persist(result); err != nil {
		return SignedTransfer{}, fmt.Errorf("failed to persist tx %s: %w", result.Hash.Hex(), err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return result, fmt.Errorf("%w: tx %s: %v", ErrBroadcastFailed, result.Hash.Hex(), err)
	}
	return result, nil
}

// Rebroadcast 原样重新广播已签名交易，节点已知的交易不算失败
func (c *Client) Rebroadcast(ctx context.Context, raw []byte) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("failed to decode tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		if isKnownTx(err) {
			return nil
		}
		return fmt.Errorf("failed to rebroadcast tx %s: %w", tx.Hash().Hex(), err)
	}
	return nil
}

// TransferStatus 按回执和账户 nonce 判断已广播交易的结果
func (c *Client) TransferStatus(ctx context.Context, hash common.Hash, nonce uint64) (TransferStatus, error) {
	status, found, err := c.receiptStatus(ctx, hash)
	if err != nil || found {
		return status, err
	}

	latest, err := c.client.NonceAt(ctx, c.GetAccountAddress(), nil)
	if err != nil {
		return TransferPending, fmt.Errorf("failed to get nonce: %w", err)
	}
	if latest <= nonce {
		return TransferPending, nil
	}

	// nonce 已被使用，再查一次回执，排除两次查询之间刚好上链
	status, found, err = c.receiptStatus(ctx, hash)
	if err != nil || found {
		return status, err
	}
	return TransferDropped, nil
}

func (c *Client) receiptStatus(ctx context.Context, hash common.Hash) (TransferStatus, bool, error) {
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TransferPending, false, nil
	}
	if err != nil {
		return TransferPending, false, fmt.Errorf("failed to get receipt of %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TransferReverted, true, nil
	}
	return TransferConfirmed, true, nil
}

func isKnownTx(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "nonce too low")
}
