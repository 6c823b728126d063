package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"sigs.k8s.io/yaml"

	"github.com/GPTx-global/oracle-dispatcher/oracle/retry"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

const maxRegistryBody = 8 << 20

// Source loads raw registrations. Cadence holds the frequency label as
// published by the source; the Registry maps it onto a cadence class.
type Source interface {
	Load(ctx context.Context) ([]types.OracleRegistration, error)
}

// Static is an in-memory source.
type Static []types.OracleRegistration

func (s Static) Load(context.Context) ([]types.OracleRegistration, error) {
	out := make([]types.OracleRegistration, len(s))
	copy(out, s)
	return out, nil
}

// HTTPSource reads the cron registry: a JSON array of
// {"address": ..., "frequency": "10s"|"30s"|"1m", "apiUrl": ...}.
type HTTPSource struct {
	URL    string
	Client *http.Client
	Retry  retry.Config
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		Retry:  retry.NetworkConfig(),
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("registry responded with status %d", e.code)
}

func retryableLoad(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return err != nil && !errors.Is(err, context.Canceled)
}

func (s *HTTPSource) Load(ctx context.Context) ([]types.OracleRegistration, error) {
	var body []byte
	err := retry.Do(ctx, s.Retry, func(int) error {
		b, err := s.get(ctx)
		if err != nil {
			return err
		}
		body = b
		return nil
	}, retryableLoad)
	if err != nil {
		return nil, errors.Wrapf(err, "load registry %s", s.URL)
	}

	return parseJSON(body)
}

func (s *HTTPSource) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "oracled/1.0")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRegistryBody))
		return nil, &statusError{code: resp.StatusCode}
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxRegistryBody))
}

func parseJSON(body []byte) ([]types.OracleRegistration, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("registry response is not valid json")
	}

	list := gjson.ParseBytes(body)
	if list.IsObject() {
		list = list.Get("oracles")
	}
	if !list.IsArray() {
		return nil, errors.New("registry response is not a list")
	}

	var out []types.OracleRegistration
	list.ForEach(func(_, entry gjson.Result) bool {
		out = append(out, types.OracleRegistration{
			Address: entry.Get("address").String(),
			Cadence: entry.Get("frequency").String(),
			APIURL:  entry.Get("apiUrl").String(),
		})
		return true
	})

	return out, nil
}

// FileSource reads the same list from a local YAML or JSON file.
type FileSource struct {
	Path string
}

type fileEntry struct {
	Address   string `json:"address"`
	Frequency string `json:"frequency"`
	APIURL    string `json:"apiUrl"`
}

func (s *FileSource) Load(context.Context) ([]types.OracleRegistration, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errors.Wrap(err, "read registry file")
	}

	var entries []fileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "parse registry file %s", s.Path)
	}

	out := make([]types.OracleRegistration, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.OracleRegistration{Address: e.Address, Cadence: e.Frequency, APIURL: e.APIURL})
	}
	return out, nil
}
