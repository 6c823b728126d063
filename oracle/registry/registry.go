package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GPTx-global/oracle-dispatcher/oracle/chain"
	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

// Registry holds the last successfully loaded snapshot. Reads never do I/O.
type Registry struct {
	source Source
	table  *types.CadenceTable

	mu          sync.RWMutex
	byAddress   map[string]types.OracleRegistration
	byClass     map[string][]string
	unknown     int
	lastErr     error
	lastRefresh time.Time
}

func New(source Source, table *types.CadenceTable) *Registry {
	return &Registry{
		source:    source,
		table:     table,
		byAddress: make(map[string]types.OracleRegistration),
		byClass:   make(map[string][]string),
	}
}

// Refresh loads the source and swaps in a new snapshot. On failure the
// previous snapshot stays in place.
func (r *Registry) Refresh(ctx context.Context) error {
	entries, err := r.source.Load(ctx)
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		return err
	}

	byAddress := make(map[string]types.OracleRegistration, len(entries))
	order := make([]string, 0, len(entries))
	unknown := 0

	for _, e := range entries {
		addr, err := chain.NormalizeAddress(e.Address)
		if err != nil {
			log.Warnf("registry: skipping entry: %v", err)
			continue
		}

		class, ok := r.table.Resolve(e.Cadence)
		if !ok {
			log.Warnf("registry: skipping %s: unknown frequency %q", addr, e.Cadence)
			unknown++
			continue
		}

		if _, seen := byAddress[addr]; !seen {
			order = append(order, addr)
		}
		byAddress[addr] = types.OracleRegistration{Address: addr, Cadence: class.Name, APIURL: e.APIURL}
	}

	byClass := make(map[string][]string)
	for _, addr := range order {
		reg := byAddress[addr]
		byClass[reg.Cadence] = append(byClass[reg.Cadence], addr)
	}

	r.mu.Lock()
	r.byAddress = byAddress
	r.byClass = byClass
	r.unknown = unknown
	r.lastErr = nil
	r.lastRefresh = time.Now()
	r.mu.Unlock()

	log.Infof("registry: loaded %d oracles (%d unknown frequency)", len(byAddress), unknown)
	return nil
}

// List returns the addresses in the given cadence class.
func (r *Registry) List(class string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := r.byClass[types.NormalizeLabel(class)]
	out := make([]string, len(addrs))
	copy(out, addrs)
	return out
}

// All returns every registration sorted by address.
func (r *Registry) All() []types.OracleRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.OracleRegistration, 0, len(r.byAddress))
	for _, reg := range r.byAddress {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (r *Registry) Get(address string) (types.OracleRegistration, bool) {
	addr, err := chain.NormalizeAddress(address)
	if err != nil {
		return types.OracleRegistration{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byAddress[addr]
	return reg, ok
}

func (r *Registry) Classes() []types.CadenceClass {
	return r.table.Classes()
}

// Counts is the number of oracles per configured class, zero included.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, name := range r.table.Names() {
		counts[name] = len(r.byClass[name])
	}
	return counts
}

func (r *Registry) Unknown() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unknown
}

func (r *Registry) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}
