package types

import (
	"strings"
	"time"
)

// OracleRegistration is one entry of the oracle registry.
type OracleRegistration struct {
	Address string // checksummed hex address of the oracle contract
	Cadence string // cadence class name
	APIURL  string // optional, seeds the api url cache when present
}

type JobState byte

const (
	Queued JobState = iota
	Fetching
	Publishing
	Confirmed
	Failed
)

func (s JobState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Fetching:
		return "fetching"
	case Publishing:
		return "publishing"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s JobState) Terminal() bool {
	return s == Confirmed || s == Failed
}

type Trigger byte

const (
	Scheduled Trigger = iota
	Manual
)

func (t Trigger) String() string {
	if t == Manual {
		return "manual"
	}
	return "scheduled"
}

// UpdateJob tracks one fetch -> publish -> confirm cycle for a single oracle.
type UpdateJob struct {
	ID            string
	OracleAddress string
	Attempt       int
	EnqueuedAt    time.Time
	State         JobState
	Trigger       Trigger
}

// FetchResult is the outcome of a single external api call.
type FetchResult struct {
	Payload   []byte
	Err       *FetchError
	FetchedAt time.Time
}

func (r FetchResult) OK() bool {
	return r.Err == nil
}

// PendingTx is a broadcast but not yet mined oracle update.
type PendingTx struct {
	Hash          string
	Nonce         uint64
	OracleAddress string
	Payload       string
	SubmittedAt   time.Time
}

// PublishReceipt is the caller visible copy of a mined update.
type PublishReceipt struct {
	TxHash      string
	Payload     string
	Nonce       uint64
	BlockNumber uint64
	ConfirmedAt time.Time
}

// JobResult is reported once per job when it reaches a terminal state.
type JobResult struct {
	Job     UpdateJob
	APIURL  string
	Receipt *PublishReceipt
	Err     error
}

func (r JobResult) Success() bool {
	return r.Err == nil && r.Receipt != nil
}

// Verification is one entry of the on-chain verification ledger.
type Verification struct {
	TxHash string `json:"txHash"`
	Data   string `json:"data"`
}

// OracleInfo mirrors the read surface of the oracle contract.
type OracleInfo struct {
	Address        string         `json:"address"`
	Creator        string         `json:"createdBy"`
	APIURL         string         `json:"apiUrl"`
	UpdateInterval string         `json:"updateInterval"`
	LastUpdateTime uint64         `json:"lastUpdateTime"`
	DynamicData    string         `json:"dynamicData"`
	Validated      bool           `json:"isValidated"`
	Verifications  []Verification `json:"verifications"`
}

// NormalizeLabel folds a registry frequency label for lookups.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
