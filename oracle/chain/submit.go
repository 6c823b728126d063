package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/metrics"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

func retryable(err error) error {
	return &types.ChainWriteError{Err: err}
}

func fatal(err error) error {
	return &types.ChainWriteError{Fatal: true, Err: err}
}

// SubmitUpdate signs and broadcasts updateData(payload) to the oracle. Only
// one submission runs at a time; the local nonce advances only when the node
// accepts the transaction.
func (c *Client) SubmitUpdate(ctx context.Context, oracle string, payload string) (*types.PendingTx, error) {
	to, err := parseAddress(oracle)
	if err != nil {
		return nil, fatal(err)
	}

	data, err := oracleABI.Pack(methodUpdateData, payload)
	if err != nil {
		return nil, fatal(errors.Wrap(err, "pack updateData"))
	}

	c.sequenceLock.Lock()
	defer c.sequenceLock.Unlock()

	if !c.nonceLoaded {
		if err := c.syncNonce(ctx); err != nil {
			return nil, retryable(errors.Wrap(err, "load nonce"))
		}
	}

	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return nil, retryable(errors.Wrap(err, "suggest gas price"))
	}

	gas := c.estimateGas(ctx, to, gasPrice, data)

	nonce := c.nonce
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signed, err := gethtypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, fatal(errors.Wrap(err, "sign transaction"))
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	err = c.backend.SendTransaction(sctx, signed)
	cancel()

	if err != nil {
		kind := classifySendError(err)
		switch kind {
		case sendAlreadyKnown:
			log.Debugf("tx %s already known to the node, treating as sent", signed.Hash().Hex())
		case sendUnderpriced, sendInsufficientFunds:
			return nil, retryable(errors.Wrapf(err, "send (%s)", kind))
		case sendFatal:
			c.resync(ctx)
			return nil, fatal(errors.Wrap(err, "send"))
		default:
			c.resync(ctx)
			return nil, retryable(errors.Wrapf(err, "send (%s)", kind))
		}
	}

	c.nonce = nonce + 1
	c.pending.Store(signed.Hash(), signed)
	metrics.Submitted()

	log.Debugf("submitted update to %s: tx=%s nonce=%d gas=%d", to.Hex(), signed.Hash().Hex(), nonce, gas)

	return &types.PendingTx{
		Hash:          signed.Hash().Hex(),
		Nonce:         nonce,
		OracleAddress: to.Hex(),
		Payload:       payload,
		SubmittedAt:   time.Now(),
	}, nil
}

// Confirm waits for the pending transaction to be mined, up to timeout.
func (c *Client) Confirm(ctx context.Context, pending *types.PendingTx, timeout time.Duration) (*types.PublishReceipt, error) {
	hash := common.HexToHash(pending.Hash)
	v, ok := c.pending.Load(hash)
	if !ok {
		return nil, fatal(errors.Errorf("unknown pending transaction %s", pending.Hash))
	}
	tx := v.(*gethtypes.Transaction)

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := bind.WaitMined(wctx, c.backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.pending.Delete(hash)
			return nil, errors.Wrapf(types.ErrConfirmTimeout, "tx %s after %v", pending.Hash, timeout)
		}
		return nil, retryable(errors.Wrap(err, "wait mined"))
	}
	c.pending.Delete(hash)

	if receipt.Status == gethtypes.ReceiptStatusFailed {
		return nil, fatal(errors.Errorf("tx %s reverted in block %s", pending.Hash, receipt.BlockNumber))
	}

	r := &types.PublishReceipt{
		TxHash:      pending.Hash,
		Payload:     pending.Payload,
		Nonce:       pending.Nonce,
		ConfirmedAt: time.Now(),
	}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return r, nil
}

// Nonce returns the next nonce the client will use. Zero until first load.
func (c *Client) Nonce() uint64 {
	c.sequenceLock.Lock()
	defer c.sequenceLock.Unlock()
	return c.nonce
}

func (c *Client) syncNonce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return err
	}

	if c.nonceLoaded && nonce != c.nonce {
		log.Infof("nonce resynced %d -> %d", c.nonce, nonce)
	}
	c.nonce = nonce
	c.nonceLoaded = true
	return nil
}

// resync must be called with sequenceLock held.
func (c *Client) resync(ctx context.Context) {
	if err := c.syncNonce(ctx); err != nil {
		log.Warnf("nonce resync failed, will reload on next submission: %v", err)
		c.nonceLoaded = false
	}
}

func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if c.cfg.GasPriceMultiplier == 1 {
		return price, nil
	}

	scaled, _ := new(big.Float).Mul(new(big.Float).SetInt(price), big.NewFloat(c.cfg.GasPriceMultiplier)).Int(nil)
	return scaled, nil
}

func (c *Client) estimateGas(ctx context.Context, to common.Address, gasPrice *big.Int, data []byte) uint64 {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, GasPrice: gasPrice, Data: data})
	if err != nil || gas == 0 {
		log.Debugf("gas estimation for %s failed, using limit %d: %v", to.Hex(), c.cfg.GasLimit, err)
		return c.cfg.GasLimit
	}

	gas += gas / 5
	if c.cfg.GasLimit > 0 && gas > c.cfg.GasLimit {
		gas = c.cfg.GasLimit
	}
	return gas
}
