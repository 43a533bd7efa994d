package infra

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"
)

// Function is a contract entry point the pipeline knows how to call.
type Function int

const (
	CreateProject Function = iota + 1
	Donate
	GetAllProjects
	GetProjectStatus
	Withdraw
	Init
)

var functionSymbols = map[Function]string{
	CreateProject:    "create_project",
	Donate:           "donate",
	GetAllProjects:   "get_all_projects",
	GetProjectStatus: "get_project_status",
	Withdraw:         "withdraw",
	Init:             "init",
}

// Symbol returns the contract function name.
func (f Function) Symbol() string {
	if s, ok := functionSymbols[f]; ok {
		return s
	}
	return "function_" + strconv.Itoa(int(f))
}

func (f Function) String() string { return f.Symbol() }

// ParamKind tags the primitive carried by a Param.
type ParamKind int

const (
	ParamSymbol ParamKind = iota
	ParamString
	ParamAmount
	ParamAddress
)

// Param is one primitive argument as handed over by the UI.
type Param struct {
	Kind   ParamKind
	Text   string
	Number float64
}

func Symbol(s string) Param { return Param{Kind: ParamSymbol, Text: s} }
func String(s string) Param { return Param{Kind: ParamString, Text: s} }
func Amount(v float64) Param { return Param{Kind: ParamAmount, Number: v} }
func Address(addr string) Param { return Param{Kind: ParamAddress, Text: addr} }

// ContractCall is a single invocation intent.
type ContractCall struct {
	ContractID string
	Function   Function
	Params     []Param
}

// Envelope is one built transaction carrying a single contract invocation.
// It is signed at most once and never resubmitted.
type Envelope struct {
	Source            string
	Sequence          int64
	Fee               int64
	Call              ContractCall
	NetworkPassphrase string
	TimeoutSeconds    int64

	params []string
	tx     *txnbuild.Transaction
	signed bool
}

// Parameters returns the call parameters in their display form.
func (e *Envelope) Parameters() []string {
	out := make([]string, len(e.params))
	copy(out, e.params)
	return out
}

func (e *Envelope) Transaction() *txnbuild.Transaction { return e.tx }

func (e *Envelope) Signed() bool { return e.signed }

// Expiry is the end of the envelope's validity window.
func (e *Envelope) Expiry() time.Time {
	return time.Unix(e.tx.Timebounds().MaxTime, 0)
}

// Hash returns the hex transaction hash for the envelope's network.
func (e *Envelope) Hash() (string, error) {
	return e.tx.HashHex(e.NetworkPassphrase)
}

// Base64 returns the XDR encoded envelope.
func (e *Envelope) Base64() (string, error) {
	return e.tx.Base64()
}

// Status of a submission.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// SubmissionResult is what the network reports for a submitted envelope.
type SubmissionResult struct {
	Status      Status
	ReturnValue xdr.ScVal
	Hash        string
	Ledger      int32
	FeeCharged  int64
	ResultCode  string
}

// Element contains the data for the whole lifecycle of one invocation
type Element struct {
	ID       string
	Call     ContractCall
	Envelope *Envelope
	Result   *SubmissionResult
	Err      error

	StartedTime   time.Time
	BuiltTime     time.Time
	SignedTime    time.Time
	SubmittedTime time.Time
	ObservedTime  time.Time
}

func newElement(call ContractCall) *Element {
	return &Element{
		ID:          uuid.NewString(),
		Call:        call,
		StartedTime: time.Now(),
	}
}
