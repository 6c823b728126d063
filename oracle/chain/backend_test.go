package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// fakeBackend is an in-memory node: it tracks the account nonce, records
// broadcast transactions and mines them on demand.
type fakeBackend struct {
	mu sync.Mutex

	chainID     *big.Int
	nonce       uint64
	gasPrice    *big.Int
	gasEstimate uint64
	estimateErr error
	sendErrs    []error
	callErr     error
	nonceErr    error
	blockErr    error
	results     map[string][]byte
	autoMine    bool
	revert      bool
	block       uint64

	sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:     big.NewInt(1337),
		gasPrice:    big.NewInt(100),
		gasEstimate: 50000,
		results:     make(map[string][]byte),
		autoMine:    true,
		block:       100,
		receipts:    make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (b *fakeBackend) setResult(method string, values ...interface{}) {
	packed, err := oracleABI.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	b.results[method] = packed
	b.mu.Unlock()
}

func (b *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callErr != nil {
		return nil, b.callErr
	}
	method, err := oracleABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	out, ok := b.results[method.Name]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (b *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nonceErr != nil {
		return 0, b.nonceErr
	}
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gasEstimate, b.estimateErr
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if tx.Nonce() != b.nonce {
		return errors.Errorf("nonce mismatch: want %d got %d", b.nonce, tx.Nonce())
	}

	b.nonce++
	b.sent = append(b.sent, tx)
	if b.autoMine {
		b.mineLocked(tx.Hash())
	}
	return nil
}

func (b *fakeBackend) mine(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mineLocked(hash)
}

func (b *fakeBackend) mineLocked(hash common.Hash) {
	b.block++
	status := gethtypes.ReceiptStatusSuccessful
	if b.revert {
		status = gethtypes.ReceiptStatusFailed
	}
	b.receipts[hash] = &gethtypes.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(b.block),
	}
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, b.blockErr
}

func (b *fakeBackend) sentTxs() []*gethtypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*gethtypes.Transaction, len(b.sent))
	copy(out, b.sent)
	return out
}
