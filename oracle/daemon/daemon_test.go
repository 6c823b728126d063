package daemon

import (
	"context"
	"crypto/ecdsa"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"

	"github.com/GPTx-global/oracle-dispatcher/oracle/chain"
	"github.com/GPTx-global/oracle-dispatcher/oracle/config"
)

const (
	testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	scheduled  = "0x1111111111111111111111111111111111111111"
	manual     = "0x2222222222222222222222222222222222222222"
)

// node is a minimal auto-mining chain that serves apiUrl reads.
type node struct {
	mu       sync.Mutex
	nonce    uint64
	block    uint64
	apiURL   []byte
	sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
}

func newNode(apiURL string) *node {
	packed, err := chain.OracleABI().Methods["apiUrl"].Outputs.Pack(apiURL)
	if err != nil {
		panic(err)
	}
	return &node{block: 1, apiURL: packed, receipts: make(map[common.Hash]*gethtypes.Receipt)}
}

func (n *node) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	oracleABI := chain.OracleABI()
	method, err := oracleABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != "apiUrl" {
		return nil, errors.New("execution reverted")
	}
	return n.apiURL, nil
}

func (n *node) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (n *node) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonce, nil
}

func (n *node) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(100), nil
}

func (n *node) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50000, nil
}

func (n *node) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if tx.Nonce() != n.nonce {
		return errors.Errorf("nonce too low: want %d got %d", n.nonce, tx.Nonce())
	}
	n.nonce++
	n.block++
	n.sent = append(n.sent, tx)
	n.receipts[tx.Hash()] = &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(n.block),
	}
	return nil
}

func (n *node) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (n *node) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (n *node) BlockNumber(context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.block, nil
}

func (n *node) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type DaemonTestSuite struct {
	suite.Suite

	api    *httptest.Server
	node   *node
	key    *ecdsa.PrivateKey
	cfg    *config.Config
	daemon *Daemon
}

func TestDaemonTestSuite(t *testing.T) {
	suite.Run(t, new(DaemonTestSuite))
}

func (s *DaemonTestSuite) SetupTest() {
	s.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price":42}`))
	}))
	s.node = newNode(s.api.URL)

	key, err := crypto.HexToECDSA(testKeyHex)
	s.Require().NoError(err)
	s.key = key

	home := s.T().TempDir()
	registryFile := filepath.Join(home, "oracles.yaml")
	s.Require().NoError(os.WriteFile(registryFile, []byte("- address: "+scheduled+"\n  frequency: 1m\n"), 0o644))

	s.cfg = config.ForTesting(home)
	s.cfg.Registry.File = registryFile

	s.daemon, err = NewWithBackend(context.Background(), s.cfg, s.node, s.key)
	s.Require().NoError(err)
}

func (s *DaemonTestSuite) TearDownTest() {
	s.api.Close()
}

func (s *DaemonTestSuite) post(path string) (int, string) {
	resp, err := http.Post("http://"+s.daemon.Addr()+path, "application/json", nil)
	s.Require().NoError(err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(body)
}

func (s *DaemonTestSuite) waitIdle(sent int) {
	s.Require().Eventually(func() bool {
		return s.node.sentCount() == sent && len(s.daemon.jobs.Active()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func (s *DaemonTestSuite) TestStartDispatchesRegisteredOracles() {
	s.Require().NoError(s.daemon.Start(context.Background()))
	defer s.daemon.Stop()

	s.waitIdle(1)

	st := s.daemon.Status()
	s.Require().Equal(3, st.ActiveTimers)
	s.Require().Equal(1, st.Classes["slow"].Oracles)
	s.Require().Equal(uint64(1), st.Classes["slow"].Ticks)
	s.Require().Empty(st.RegistryErr)
}

func (s *DaemonTestSuite) TestManualTriggerOverHTTP() {
	s.Require().NoError(s.daemon.Start(context.Background()))
	defer s.daemon.Stop()
	s.waitIdle(1)

	code, body := s.post("/api/oracle/" + manual)
	s.Require().Equal(http.StatusOK, code, body)
	s.Require().True(gjson.Get(body, "success").Bool())
	s.Require().Equal(`{"price":42}`, gjson.Get(body, "data").String())
	s.Require().Equal(s.api.URL, gjson.Get(body, "apiUrl").String())
	s.Require().Equal(int64(1), gjson.Get(body, "nonce").Int())
	s.Require().Equal(2, s.node.sentCount())
}

func (s *DaemonTestSuite) TestScanRearmsWithoutStacking() {
	s.Require().NoError(s.daemon.Start(context.Background()))
	defer s.daemon.Stop()
	s.waitIdle(1)

	for i := 0; i < 3; i++ {
		code, body := s.post("/api/scan")
		s.Require().Equal(http.StatusOK, code, body)
		s.Require().Equal(int64(1), gjson.Get(body, "classes.slow").Int())
		s.Require().Equal(int64(0), gjson.Get(body, "classes.fast").Int())
		s.Require().Equal(3, s.daemon.Status().ActiveTimers)
	}

	s.Require().Eventually(func() bool {
		return len(s.daemon.jobs.Active()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	s.Require().Equal(3, s.daemon.Status().ActiveTimers)
}

func (s *DaemonTestSuite) TestScanKeepsSnapshotWhenRegistryFails() {
	s.Require().NoError(s.daemon.Start(context.Background()))
	defer s.daemon.Stop()
	s.waitIdle(1)

	s.Require().NoError(os.Remove(s.cfg.Registry.File))

	code, body := s.post("/api/scan")
	s.Require().Equal(http.StatusBadGateway, code, body)
	s.Require().Equal("REGISTRY_UNAVAILABLE", gjson.Get(body, "error.code").String())

	st := s.daemon.Status()
	s.Require().Equal(1, st.Classes["slow"].Oracles)
	s.Require().NotEmpty(st.RegistryErr)
}

func (s *DaemonTestSuite) TestStopHaltsTimersAndRejectsTriggers() {
	s.Require().NoError(s.daemon.Start(context.Background()))
	s.waitIdle(1)

	s.daemon.Stop()
	s.Require().Equal(0, s.daemon.Status().ActiveTimers)

	res := s.daemon.Trigger(context.Background(), manual)
	s.Require().False(res.Success())
	s.Require().Equal(1, s.node.sentCount())
}

func (s *DaemonTestSuite) TestTriggerWithWorkersOnly() {
	s.daemon.StartWorkers()
	defer s.daemon.Stop()

	res := s.daemon.Trigger(context.Background(), manual)
	s.Require().NoError(res.Err)
	s.Require().Equal(uint64(0), res.Receipt.Nonce)
	s.Require().Equal(0, s.daemon.Status().ActiveTimers)
}

func TestNewRejectsMissingKey(t *testing.T) {
	cfg := config.ForTesting(t.TempDir())
	cfg.Key.Env = "ORACLED_TEST_UNSET_KEY"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}
