package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	nonce   uint64
	sent    []*types.Transaction
	status  uint64
	sendErr error
	logs    []types.Log
	query   ethereum.FilterQuery

	// unmined 为 true 时广播过的交易也查不到回执，confirmed 为已上链的 nonce
	unmined   bool
	confirmed uint64
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unmined {
		return nil, ethereum.NotFound
	}
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{Status: f.status, TxHash: hash, BlockNumber: big.NewInt(10)}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1234)}, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.query = q
	return f.logs, nil
}

func newTestClient(t *testing.T, b *fakeBackend) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewClient(b, key, big.NewInt(11155111), common.HexToAddress("0xe5c0"))
}

func TestSendPersistsBeforeBroadcast(t *testing.T) {
	b := &fakeBackend{status: types.ReceiptStatusSuccessful}
	c := newTestClient(t, b)
	to := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	var persisted []SignedTransfer
	persist := func(tx SignedTransfer) error {
		assert.Len(t, b.sent, len(persisted), "persisted before broadcast")
		persisted = append(persisted, tx)
		return nil
	}

	result, err := c.Send(context.Background(), to, 910, persist)
	require.NoError(t, err)
	require.Len(t, b.sent, 1)
	require.Len(t, persisted, 1)
	assert.Equal(t, result, persisted[0])

	tx := b.sent[0]
	assert.Equal(t, result.Hash, tx.Hash())
	assert.Equal(t, uint64(0), result.Nonce)
	assert.Equal(t, to, *tx.To())
	assert.Equal(t, uint64(910), tx.Value().Uint64())
	assert.Equal(t, uint64(transferGas), tx.Gas())

	decoded := new(types.Transaction)
	require.NoError(t, decoded.UnmarshalBinary(result.Raw))
	assert.Equal(t, tx.Hash(), decoded.Hash())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(11155111)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.GetAccountAddress(), from)

	result, err = c.Send(context.Background(), to, 1, persist)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Nonce)
	assert.Equal(t, uint64(1), b.sent[1].Nonce())
}

func TestSendPersistFailureSkipsBroadcast(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b)

	_, err := c.Send(context.Background(), common.HexToAddress("0x01"), 5, func(SignedTransfer) error {
		return errors.New("db down")
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBroadcastFailed)
	assert.Empty(t, b.sent)
}

func TestSendBroadcastFailure(t *testing.T) {
	b := &fakeBackend{sendErr: errors.New("context deadline exceeded")}
	c := newTestClient(t, b)

	var persisted SignedTransfer
	result, err := c.Send(context.Background(), common.HexToAddress("0x01"), 5, func(tx SignedTransfer) error {
		persisted = tx
		return nil
	})
	assert.ErrorIs(t, err, ErrBroadcastFailed)
	assert.Equal(t, persisted, result)
	assert.NotEqual(t, common.Hash{}, result.Hash)
}

func TestTransferStatus(t *testing.T) {
	ctx := context.Background()
	noop := func(SignedTransfer) error { return nil }

	b := &fakeBackend{status: types.ReceiptStatusSuccessful}
	c := newTestClient(t, b)
	tx, err := c.Send(ctx, common.HexToAddress("0x01"), 5, noop)
	require.NoError(t, err)

	status, err := c.TransferStatus(ctx, tx.Hash, tx.Nonce)
	require.NoError(t, err)
	assert.Equal(t, TransferConfirmed, status)

	b.status = types.ReceiptStatusFailed
	status, err = c.TransferStatus(ctx, tx.Hash, tx.Nonce)
	require.NoError(t, err)
	assert.Equal(t, TransferReverted, status)

	b.unmined = true
	status, err = c.TransferStatus(ctx, tx.Hash, tx.Nonce)
	require.NoError(t, err)
	assert.Equal(t, TransferPending, status)

	// 同一 nonce 上链的是另一笔交易
	b.confirmed = tx.Nonce + 1
	status, err = c.TransferStatus(ctx, tx.Hash, tx.Nonce)
	require.NoError(t, err)
	assert.Equal(t, TransferDropped, status)
	assert.Equal(t, "dropped", status.String())
}

func TestRebroadcast(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{}
	c := newTestClient(t, b)
	tx, err := c.Send(ctx, common.HexToAddress("0x01"), 5, func(SignedTransfer) error { return nil })
	require.NoError(t, err)

	require.NoError(t, c.Rebroadcast(ctx, tx.Raw))
	require.Len(t, b.sent, 2)
	assert.Equal(t, tx.Hash, b.sent[1].Hash(), "same signed tx, same nonce")

	b.sendErr = errors.New("already known")
	assert.NoError(t, c.Rebroadcast(ctx, tx.Raw))
	b.sendErr = errors.New("insufficient funds for gas")
	assert.Error(t, c.Rebroadcast(ctx, tx.Raw))
	assert.Error(t, c.Rebroadcast(ctx, []byte{0x01}))
}

func TestGetLogsFiltersDeposits(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(t, b)

	latest, err := c.GetLatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), latest)

	_, err = c.GetLogs(context.Background(), 10, 20)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{c.ContractAddr}, b.query.Addresses)
	assert.Equal(t, int64(10), b.query.FromBlock.Int64())
	assert.Equal(t, int64(20), b.query.ToBlock.Int64())
	assert.Equal(t, DepositedEventID(), b.query.Topics[0][0])
}

func TestDryRunSender(t *testing.T) {
	s := NewDryRunSender()
	ctx := context.Background()
	to := common.HexToAddress("0x01")
	var persisted int
	persist := func(SignedTransfer) error {
		persisted++
		return nil
	}

	h1, err := s.Send(ctx, to, 5, persist)
	require.NoError(t, err)
	h2, err := s.Send(ctx, to, 5, persist)
	require.NoError(t, err)
	assert.NotEqual(t, h1.Hash, h2.Hash)
	assert.Equal(t, 2, persisted)

	status, err := s.TransferStatus(ctx, h1.Hash, h1.Nonce)
	require.NoError(t, err)
	assert.Equal(t, TransferConfirmed, status)
	assert.NoError(t, s.Rebroadcast(ctx, h1.Raw))

	_, err = s.Send(ctx, to, 5, func(SignedTransfer) error { return errors.New("db down") })
	assert.Error(t, err)
}
