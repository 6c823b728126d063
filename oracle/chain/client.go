package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/retry"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

type Config struct {
	ChainID            *big.Int // nil asks the node
	GasLimit           uint64
	GasPriceMultiplier float64
	CallTimeout        time.Duration
}

// Client reads oracle state freely and funnels every write from the signing
// key through a single ordered sequence.
type Client struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  gethtypes.Signer
	cfg     Config

	sequenceLock sync.Mutex
	nonce        uint64
	nonceLoaded  bool

	pending sync.Map // common.Hash -> *gethtypes.Transaction
}

// Dial connects to the rpc endpoint, retrying with the network policy.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	var client *ethclient.Client
	err := retry.Do(ctx, retry.NetworkConfig(), func(attempt int) error {
		c, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			log.Warnf("dial %s (attempt %d): %v", endpoint, attempt, err)
			return err
		}
		client = c
		return nil
	}, retry.Always)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}

	return client, nil
}

func NewClient(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, cfg Config) (*Client, error) {
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.GasPriceMultiplier <= 0 {
		cfg.GasPriceMultiplier = 1
	}

	chainID := cfg.ChainID
	if chainID == nil || chainID.Sign() == 0 {
		cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		id, err := backend.ChainID(cctx)
		cancel()
		if err != nil {
			return nil, errors.Wrap(err, "failed to query chain id")
		}
		chainID = id
	}

	c := &Client{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  gethtypes.LatestSignerForChainID(chainID),
		cfg:     cfg,
	}

	log.Infof("chain client ready: from=%s chainID=%s", c.from.Hex(), chainID)
	return c, nil
}

func (c *Client) From() common.Address {
	return c.from
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Ping reports whether the node answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	if _, err := c.backend.BlockNumber(ctx); err != nil {
		return &types.ChainReadError{Op: "blockNumber", Err: err}
	}
	return nil
}

func (c *Client) call(ctx context.Context, oracle, method string) ([]interface{}, error) {
	to, err := parseAddress(oracle)
	if err != nil {
		return nil, err
	}

	data, err := oracleABI.Pack(method)
	if err != nil {
		return nil, &types.ChainReadError{Op: method, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, &types.ChainReadError{Op: method, Err: err}
	}

	out, err := oracleABI.Unpack(method, raw)
	if err != nil {
		return nil, &types.ChainReadError{Op: method, Err: errors.Wrap(err, "unpack")}
	}
	return out, nil
}

// single extracts the only output of a read of method.
func single[T any](out []interface{}, method string) (T, error) {
	var zero T
	if len(out) != 1 {
		return zero, &types.ChainReadError{Op: method, Err: errors.Errorf("expected 1 output, got %d", len(out))}
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, &types.ChainReadError{Op: method, Err: errors.Errorf("unexpected output type %T", out[0])}
	}
	return v, nil
}

func (c *Client) readString(ctx context.Context, oracle, method string) (string, error) {
	out, err := c.call(ctx, oracle, method)
	if err != nil {
		return "", err
	}
	return single[string](out, method)
}

// APIURL reads the external data source configured on the oracle.
func (c *Client) APIURL(ctx context.Context, oracle string) (string, error) {
	return c.readString(ctx, oracle, methodAPIURL)
}

func (c *Client) UpdateInterval(ctx context.Context, oracle string) (string, error) {
	return c.readString(ctx, oracle, methodUpdateInterval)
}

func (c *Client) CurrentData(ctx context.Context, oracle string) (string, error) {
	return c.readString(ctx, oracle, methodGetCurrentData)
}

func (c *Client) IsValidated(ctx context.Context, oracle string) (bool, error) {
	out, err := c.call(ctx, oracle, methodIsValidated)
	if err != nil {
		return false, err
	}
	return single[bool](out, methodIsValidated)
}

type oracleInfoOutput struct {
	Creator        common.Address `abi:"creator"`
	APIURL         string         `abi:"apiUrl"`
	UpdateInterval string         `abi:"updateInterval"`
	LastUpdateTime *big.Int       `abi:"lastUpdateTime"`
}

// OracleInfo reads creator, api url, interval and last update time.
func (c *Client) OracleInfo(ctx context.Context, oracle string) (*types.OracleInfo, error) {
	out, err := c.call(ctx, oracle, methodGetOracleInfo)
	if err != nil {
		return nil, err
	}

	var decoded oracleInfoOutput
	if err := oracleABI.Methods[methodGetOracleInfo].Outputs.Copy(&decoded, out); err != nil {
		return nil, &types.ChainReadError{Op: methodGetOracleInfo, Err: err}
	}

	info := &types.OracleInfo{
		Creator:        decoded.Creator.Hex(),
		APIURL:         decoded.APIURL,
		UpdateInterval: decoded.UpdateInterval,
	}
	if decoded.LastUpdateTime != nil {
		info.LastUpdateTime = decoded.LastUpdateTime.Uint64()
	}
	return info, nil
}

// Verifications reads the on-chain ledger of (tx hash, payload) pairs.
func (c *Client) Verifications(ctx context.Context, oracle string) ([]types.Verification, error) {
	out, err := c.call(ctx, oracle, methodGetVerifications)
	if err != nil {
		return nil, err
	}

	var ledger []types.Verification
	if err := oracleABI.Methods[methodGetVerifications].Outputs.Copy(&ledger, out); err != nil {
		return nil, &types.ChainReadError{Op: methodGetVerifications, Err: err}
	}
	return ledger, nil
}

// Info gathers the full audit view of an oracle with concurrent reads.
func (c *Client) Info(ctx context.Context, oracle string) (*types.OracleInfo, error) {
	addr, err := NormalizeAddress(oracle)
	if err != nil {
		return nil, err
	}

	var (
		info          *types.OracleInfo
		data          string
		validated     bool
		verifications []types.Verification
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		info, err = c.OracleInfo(gctx, addr)
		return err
	})
	g.Go(func() (err error) {
		data, err = c.CurrentData(gctx, addr)
		return err
	})
	g.Go(func() (err error) {
		validated, err = c.IsValidated(gctx, addr)
		return err
	})
	g.Go(func() (err error) {
		verifications, err = c.Verifications(gctx, addr)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	info.Address = addr
	info.DynamicData = data
	info.Validated = validated
	info.Verifications = verifications
	if info.Verifications == nil {
		info.Verifications = []types.Verification{}
	}
	return info, nil
}
