package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"

	"github.com/GPTx-global/oracle-dispatcher/oracle/config"
	"github.com/GPTx-global/oracle-dispatcher/oracle/health"
	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

const oracleA = "0x1111111111111111111111111111111111111111"

type fakeDispatcher struct {
	trigger func(addr string) types.JobResult
	scanErr error
	infoErr error
	healthy bool
}

func (d *fakeDispatcher) Trigger(_ context.Context, addr string) types.JobResult {
	if d.trigger != nil {
		return d.trigger(addr)
	}
	return types.JobResult{
		Job:    types.UpdateJob{ID: "job-1", OracleAddress: addr, Attempt: 1, State: types.Confirmed, Trigger: types.Manual},
		APIURL: "https://api.test/price",
		Receipt: &types.PublishReceipt{
			TxHash:      "0xabc",
			Payload:     `{"price":42}`,
			Nonce:       7,
			BlockNumber: 100,
		},
	}
}

func (d *fakeDispatcher) Scan(context.Context) (map[string]int, error) {
	if d.scanErr != nil {
		return nil, d.scanErr
	}
	return map[string]int{"fast": 2, "medium": 1, "slow": 0}, nil
}

func (d *fakeDispatcher) Info(_ context.Context, addr string) (*types.OracleInfo, error) {
	if d.infoErr != nil {
		return nil, d.infoErr
	}
	return &types.OracleInfo{
		Address:       addr,
		APIURL:        "https://api.test/price",
		DynamicData:   "42",
		Validated:     true,
		Verifications: []types.Verification{{TxHash: "0xabc", Data: "42"}},
	}, nil
}

func (d *fakeDispatcher) Status() Status {
	return Status{
		ActiveTimers: 3,
		ActiveJobs:   []JobStatus{NewJobStatus(types.UpdateJob{ID: "job-2", OracleAddress: oracleA, State: types.Fetching, Attempt: 1})},
		Classes:      map[string]ClassStatus{"fast": {Interval: "10s", Oracles: 2, Ticks: 5, Skipped: 1}},
	}
}

func (d *fakeDispatcher) Health() (bool, map[string]health.HealthStatus) {
	st := map[string]health.HealthStatus{"chain": {Healthy: d.healthy, LastCheck: time.Now()}}
	if !d.healthy {
		st["chain"] = health.HealthStatus{Healthy: false, LastCheck: time.Now(), LastError: errors.New("rpc down")}
	}
	return d.healthy, st
}

type ServerSuite struct {
	suite.Suite
	dispatcher *fakeDispatcher
	ts         *httptest.Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	log.InitLogger()
	s.dispatcher = &fakeDispatcher{healthy: true}
	srv := New(config.ServerConfig{Listen: "127.0.0.1:0", CORSOrigins: []string{"*"}}, s.dispatcher)
	s.ts = httptest.NewServer(srv.Handler())
}

func (s *ServerSuite) TearDownTest() {
	s.ts.Close()
}

func (s *ServerSuite) do(method, path string) (int, gjson.Result) {
	req, err := http.NewRequest(method, s.ts.URL+path, nil)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, gjson.ParseBytes(body)
}

func failed(err error) func(string) types.JobResult {
	return func(addr string) types.JobResult {
		return types.JobResult{
			Job: types.UpdateJob{ID: "job-3", OracleAddress: addr, Attempt: 3, State: types.Failed},
			Err: err,
		}
	}
}

func (s *ServerSuite) TestTrigger_Success() {
	status, body := s.do(http.MethodGet, "/api/oracle/"+oracleA)

	s.Equal(http.StatusOK, status)
	s.True(body.Get("success").Bool())
	s.Equal(oracleA, body.Get("oracleAddress").String())
	s.Equal("https://api.test/price", body.Get("apiUrl").String())
	s.Equal(`{"price":42}`, body.Get("data").String())
	s.Equal("0xabc", body.Get("transactionHash").String())
	s.Equal(int64(7), body.Get("nonce").Int())
}

func (s *ServerSuite) TestTrigger_InvalidAddress() {
	status, body := s.do(http.MethodGet, "/api/oracle/not-an-address")

	s.Equal(http.StatusBadRequest, status)
	s.False(body.Get("success").Bool())
	s.Equal("INVALID_ADDRESS", body.Get("error.code").String())
}

func (s *ServerSuite) TestTrigger_ErrorMapping() {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{types.ErrSchedulerBusy, http.StatusConflict, "UPDATE_IN_PROGRESS"},
		{types.ErrShuttingDown, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{fmt.Errorf("all 3 attempts failed, last error: %w", types.ErrConfirmTimeout), http.StatusGatewayTimeout, "CONFIRM_TIMEOUT"},
		{&types.FetchError{Kind: types.FetchHTTPError, Status: 500, Err: errors.New("boom")}, http.StatusBadGateway, "FETCH_FAILED"},
		{&types.ChainReadError{Op: "apiUrl", Err: errors.New("down")}, http.StatusBadGateway, "CHAIN_READ_FAILED"},
		{&types.ChainWriteError{Fatal: true, Err: errors.New("invalid sender")}, http.StatusBadGateway, "CHAIN_WRITE_FAILED"},
		{errors.New("unexpected"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		s.dispatcher.trigger = failed(tc.err)
		status, body := s.do(http.MethodGet, "/api/oracle/"+oracleA)

		s.Equal(tc.status, status, tc.code)
		s.False(body.Get("success").Bool(), tc.code)
		s.Equal(tc.code, body.Get("error.code").String())
		s.Equal(oracleA, body.Get("oracleAddress").String())
		s.Equal(int64(3), body.Get("attempts").Int())
	}
}

func (s *ServerSuite) TestScan() {
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/scan"},
		{http.MethodGet, "/api/cron-demo"},
	} {
		status, body := s.do(route.method, route.path)
		s.Equal(http.StatusOK, status)
		s.True(body.Get("success").Bool())
		s.Equal(int64(2), body.Get("classes.fast").Int())
		s.Equal(int64(0), body.Get("classes.slow").Int())
	}

	status, _ := s.do(http.MethodGet, "/api/scan")
	s.Equal(http.StatusMethodNotAllowed, status)
}

func (s *ServerSuite) TestScan_RegistryError() {
	s.dispatcher.scanErr = errors.New("registry down")

	status, body := s.do(http.MethodPost, "/api/scan")
	s.Equal(http.StatusBadGateway, status)
	s.Equal("REGISTRY_UNAVAILABLE", body.Get("error.code").String())
}

func (s *ServerSuite) TestInfo() {
	status, body := s.do(http.MethodGet, "/api/oracle/"+oracleA+"/info")
	s.Equal(http.StatusOK, status)
	s.Equal("42", body.Get("oracle.dynamicData").String())
	s.True(body.Get("oracle.isValidated").Bool())
	s.Equal("0xabc", body.Get("oracle.verifications.0.txHash").String())

	s.dispatcher.infoErr = &types.ChainReadError{Op: "getOracleInfo", Err: errors.New("down")}
	status, body = s.do(http.MethodGet, "/api/oracle/"+oracleA+"/info")
	s.Equal(http.StatusBadGateway, status)
	s.Equal("CHAIN_READ_FAILED", body.Get("error.code").String())
}

func (s *ServerSuite) TestStatus() {
	status, body := s.do(http.MethodGet, "/api/status")
	s.Equal(http.StatusOK, status)
	s.Equal(int64(3), body.Get("status.activeTimers").Int())
	s.Equal("fetching", body.Get("status.activeJobs.0.state").String())
	s.Equal(int64(1), body.Get("status.classes.fast.skippedTicks").Int())
}

func (s *ServerSuite) TestHealth() {
	status, body := s.do(http.MethodGet, "/health")
	s.Equal(http.StatusOK, status)
	s.True(body.Get("checks.chain.healthy").Bool())

	s.dispatcher.healthy = false
	status, body = s.do(http.MethodGet, "/health")
	s.Equal(http.StatusServiceUnavailable, status)
	s.Equal("rpc down", body.Get("checks.chain.error").String())
}

func (s *ServerSuite) TestMetrics() {
	status, _ := s.doRaw(http.MethodGet, "/metrics", nil)
	s.Equal(http.StatusOK, status)
}

func (s *ServerSuite) TestCORS() {
	_, header := s.doRaw(http.MethodGet, "/api/status", map[string]string{"Origin": "https://app.test"})
	s.Equal("*", header.Get("Access-Control-Allow-Origin"))
}

func (s *ServerSuite) doRaw(method, path string, headers map[string]string) (int, http.Header) {
	req, err := http.NewRequest(method, s.ts.URL+path, nil)
	s.Require().NoError(err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, resp.Header
}

func (s *ServerSuite) TestServeAndShutdown() {
	srv := New(config.ServerConfig{Listen: "127.0.0.1:0", MaxConnections: 4}, s.dispatcher)
	s.Require().NoError(srv.Listen())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(srv.Shutdown(ctx))
	s.NoError(<-errCh)
}

func (s *ServerSuite) TestStatusCode() {
	s.Equal(http.StatusOK, StatusCode(""))
	s.Equal(http.StatusInternalServerError, StatusCode("SOMETHING_ELSE"))
}
