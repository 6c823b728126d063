package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gopkg.in/h2non/gock.v1"

	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/retry"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

const (
	registryHost = "https://registry.test"
	registryPath = "/cron-oracle"

	addrA = "0x1111111111111111111111111111111111111111"
	addrB = "0x2222222222222222222222222222222222222222"
	addrC = "0x3333333333333333333333333333333333333333"
)

type RegistryTestSuite struct {
	suite.Suite
	table *types.CadenceTable
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) SetupTest() {
	log.InitLogger()
	table, err := types.NewCadenceTable(types.DefaultCadenceClasses())
	s.Require().NoError(err)
	s.table = table
}

func (s *RegistryTestSuite) TearDownTest() {
	gock.Off()
}

func (s *RegistryTestSuite) httpSource() *HTTPSource {
	src := NewHTTPSource(registryHost+registryPath, time.Second)
	src.Retry = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return src
}

func (s *RegistryTestSuite) TestRefresh_ClassifiesByFrequency() {
	gock.New(registryHost).
		Get(registryPath).
		Reply(200).
		JSON([]map[string]string{
			{"address": addrA, "frequency": "10s"},
			{"address": addrB, "frequency": "30s", "apiUrl": "https://api.test/b"},
			{"address": addrC, "frequency": "1m"},
			{"address": "not-an-address", "frequency": "10s"},
			{"address": "0x4444444444444444444444444444444444444444", "frequency": "5h"},
		})

	reg := New(s.httpSource(), s.table)
	s.Require().NoError(reg.Refresh(context.Background()))
	s.True(gock.IsDone())

	s.Equal([]string{addrA}, reg.List("fast"))
	s.Equal([]string{addrB}, reg.List("medium"))
	s.Equal([]string{addrC}, reg.List("SLOW"))
	s.Equal(map[string]int{"fast": 1, "medium": 1, "slow": 1}, reg.Counts())
	s.Equal(1, reg.Unknown())
	s.Len(reg.All(), 3)

	b, ok := reg.Get(addrB)
	s.True(ok)
	s.Equal("https://api.test/b", b.APIURL)
	s.Equal("medium", b.Cadence)
	s.NoError(reg.LastError())
	s.False(reg.LastRefresh().IsZero())
}

func (s *RegistryTestSuite) TestRefresh_DuplicateAddressLastWins() {
	src := Static{
		{Address: addrA, Cadence: "10s"},
		{Address: addrB, Cadence: "10s"},
		{Address: addrA, Cadence: "1m"},
	}

	reg := New(src, s.table)
	s.Require().NoError(reg.Refresh(context.Background()))

	s.Equal([]string{addrB}, reg.List("fast"))
	s.Equal([]string{addrA}, reg.List("slow"))
}

func (s *RegistryTestSuite) TestRefresh_RetriesServerErrors() {
	gock.New(registryHost).Get(registryPath).Times(2).Reply(503)
	gock.New(registryHost).
		Get(registryPath).
		Reply(200).
		JSON(map[string]any{"oracles": []map[string]string{{"address": addrA, "frequency": "30s"}}})

	reg := New(s.httpSource(), s.table)
	s.Require().NoError(reg.Refresh(context.Background()))
	s.True(gock.IsDone())
	s.Equal([]string{addrA}, reg.List("medium"))
}

func (s *RegistryTestSuite) TestRefresh_ClientErrorKeepsSnapshot() {
	reg := New(Static{{Address: addrA, Cadence: "10s"}}, s.table)
	s.Require().NoError(reg.Refresh(context.Background()))

	gock.New(registryHost).Get(registryPath).Reply(404)
	reg.source = s.httpSource()

	err := reg.Refresh(context.Background())
	s.Require().Error(err)
	s.True(gock.IsDone())
	s.False(gock.HasUnmatchedRequest())
	s.Equal(err, reg.LastError())
	s.Equal([]string{addrA}, reg.List("fast"))
}

func (s *RegistryTestSuite) TestRefresh_InvalidBody() {
	gock.New(registryHost).Get(registryPath).Reply(200).BodyString(`{"oracles": "nope"}`)

	reg := New(s.httpSource(), s.table)
	s.Error(reg.Refresh(context.Background()))
	s.Empty(reg.All())
}

func (s *RegistryTestSuite) TestFileSource() {
	path := filepath.Join(s.T().TempDir(), "oracles.yaml")
	content := "- address: " + addrA + "\n  frequency: 10s\n" +
		"- address: " + addrB + "\n  frequency: 60s\n  apiUrl: https://api.test/b\n"
	s.Require().NoError(os.WriteFile(path, []byte(content), 0644))

	reg := New(&FileSource{Path: path}, s.table)
	s.Require().NoError(reg.Refresh(context.Background()))

	s.Equal([]string{addrA}, reg.List("fast"))
	s.Equal([]string{addrB}, reg.List("slow"))
}

func (s *RegistryTestSuite) TestFileSource_Missing() {
	reg := New(&FileSource{Path: filepath.Join(s.T().TempDir(), "missing.yaml")}, s.table)
	s.Error(reg.Refresh(context.Background()))
}
