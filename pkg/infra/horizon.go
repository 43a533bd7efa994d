package infra

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"
)

// Ledger is the network boundary of the pipeline.
type Ledger interface {
	FetchBaseFee(ctx context.Context) (int64, error)
	AccountSequence(ctx context.Context, address string) (int64, error)
	Submit(ctx context.Context, env *Envelope) (*SubmissionResult, error)
	Confirm(ctx context.Context, hash string) (*SubmissionResult, error)
}

// horizonAPI is the subset of *horizonclient.Client used here.
type horizonAPI interface {
	FeeStats() (hProtocol.FeeStats, error)
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransactionXDR(transactionXdr string) (hProtocol.Transaction, error)
	TransactionDetail(txHash string) (hProtocol.Transaction, error)
	Root() (hProtocol.Root, error)
}

var _ horizonAPI = (*horizonclient.Client)(nil)

// HorizonLedger talks to a Horizon server.
type HorizonLedger struct {
	api      horizonAPI
	observer *Observer
	network  string
	logger   *log.Logger
}

// NewHorizonLedger creates a ledger client for the configured endpoint.
func NewHorizonLedger(c Config, logger *log.Logger) *HorizonLedger {
	client := &horizonclient.Client{
		HorizonURL: c.HorizonURL,
		HTTP:       &http.Client{Timeout: c.RequestTimeout},
		AppName:    "microdonate",
	}
	return newHorizonLedger(client, c.Network, c.PollInterval, logger)
}

func newHorizonLedger(api horizonAPI, network string, pollInterval time.Duration, logger *log.Logger) *HorizonLedger {
	return &HorizonLedger{
		api:      api,
		observer: NewObserver(api, pollInterval, logger),
		network:  network,
		logger:   logger,
	}
}

// HealthCheck checks the connection to Horizon.
func (h *HorizonLedger) HealthCheck(ctx context.Context) error {
	_, err := withContext(ctx, h.api.Root)
	if err != nil {
		return networkError(err, "horizon health check failed")
	}
	return nil
}

// ExplorerURL links a transaction hash to a public block explorer.
func (h *HorizonLedger) ExplorerURL(hash string) string {
	switch h.network {
	case NetworkPublic:
		return "https://stellar.expert/explorer/public/tx/" + hash
	case NetworkTestnet:
		return "https://stellar.expert/explorer/testnet/tx/" + hash
	default:
		return ""
	}
}

// FetchBaseFee returns the base fee of the last closed ledger, never less
// than the protocol minimum.
func (h *HorizonLedger) FetchBaseFee(ctx context.Context) (int64, error) {
	stats, err := withContext(ctx, h.api.FeeStats)
	if err != nil {
		return 0, networkError(err, "failed to fetch base fee")
	}
	if stats.LastLedgerBaseFee < txnbuild.MinBaseFee {
		return txnbuild.MinBaseFee, nil
	}
	return stats.LastLedgerBaseFee, nil
}

func (h *HorizonLedger) AccountSequence(ctx context.Context, address string) (int64, error) {
	account, err := withContext(ctx, func() (hProtocol.Account, error) {
		return h.api.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	})
	if err != nil {
		if herr := horizonclient.GetError(err); herr != nil && herr.Problem.Status == http.StatusNotFound {
			return 0, rejected("tx_no_source_account", errors.Errorf("account %s not found", address))
		}
		return 0, networkError(err, "failed to load account %s", address)
	}
	seq, err := account.GetSequenceNumber()
	if err != nil {
		return 0, networkError(err, "invalid sequence for account %s", address)
	}
	return seq, nil
}

// Submit posts a signed envelope. A Horizon timeout is not a rejection: the
// envelope may still be included, so it is reported as pending.
func (h *HorizonLedger) Submit(ctx context.Context, env *Envelope) (*SubmissionResult, error) {
	if !env.Signed() {
		return nil, invalidParameter("envelope for %s is not signed", env.Call.Function)
	}
	blob, err := env.Base64()
	if err != nil {
		return nil, invalidParameter("failed to encode envelope: %v", err)
	}
	hash, err := env.Hash()
	if err != nil {
		return nil, invalidParameter("failed to hash envelope: %v", err)
	}

	tx, err := withContext(ctx, func() (hProtocol.Transaction, error) {
		return h.api.SubmitTransactionXDR(blob)
	})
	if err != nil {
		return classifySubmitError(hash, err)
	}
	return resultFromTransaction(tx)
}

func (h *HorizonLedger) Confirm(ctx context.Context, hash string) (*SubmissionResult, error) {
	return h.observer.Await(ctx, hash)
}

func classifySubmitError(hash string, err error) (*SubmissionResult, error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil, networkError(err, "failed to submit %s", hash)
	}

	herr := horizonclient.GetError(err)
	if herr == nil {
		return nil, networkError(err, "failed to submit %s", hash)
	}

	if herr.Problem.Status == http.StatusGatewayTimeout {
		return &SubmissionResult{Status: StatusPending, Hash: hash}, nil
	}

	codes, cerr := herr.ResultCodes()
	if cerr != nil || codes == nil {
		if herr.Problem.Status >= http.StatusInternalServerError {
			return nil, networkError(herr, "failed to submit %s", hash)
		}
		return nil, rejected(herr.Problem.Type, errors.Errorf("%s: %s", herr.Problem.Title, herr.Problem.Detail))
	}

	code := codes.TransactionCode
	if code == CodeFailed && len(codes.OperationCodes) > 0 {
		code = codes.OperationCodes[0]
	}
	return nil, rejected(code, errors.Errorf("transaction %s rejected: %s %v", hash, codes.TransactionCode, codes.OperationCodes))
}

func resultFromTransaction(tx hProtocol.Transaction) (*SubmissionResult, error) {
	res := &SubmissionResult{
		Hash:        tx.Hash,
		Ledger:      tx.Ledger,
		FeeCharged:  tx.FeeCharged,
		ReturnValue: xdr.ScVal{Type: xdr.ScValTypeScvVoid},
	}
	if !tx.Successful {
		res.Status = StatusFailed
		res.ResultCode = codeFromResultXdr(tx.ResultXdr)
		return res, nil
	}

	res.Status = StatusSuccess
	rv, ok, err := ReturnValueFromMeta(tx.ResultMetaXdr)
	if err != nil {
		return nil, err
	}
	if ok {
		res.ReturnValue = rv
	}
	return res, nil
}

// ReturnValueFromMeta extracts the contract return value from a base64
// TransactionMeta (V3 or V4). ok is false when the meta carries no Soroban
// return value.
func ReturnValueFromMeta(meta string) (v xdr.ScVal, ok bool, err error) {
	if meta == "" {
		return xdr.ScVal{}, false, nil
	}
	var m xdr.TransactionMeta
	if err := xdr.SafeUnmarshalBase64(meta, &m); err != nil {
		return xdr.ScVal{}, false, newError(DecodeError, errors.Wrap(err, "invalid transaction meta"))
	}
	if v4, ok := m.GetV4(); ok {
		if v4.SorobanMeta == nil || v4.SorobanMeta.ReturnValue == nil {
			return xdr.ScVal{}, false, nil
		}
		return *v4.SorobanMeta.ReturnValue, true, nil
	}
	v3, ok := m.GetV3()
	if !ok || v3.SorobanMeta == nil {
		return xdr.ScVal{}, false, nil
	}
	return v3.SorobanMeta.ReturnValue, true, nil
}

var txResultCodes = map[xdr.TransactionResultCode]string{
	xdr.TransactionResultCodeTxFailed:              CodeFailed,
	xdr.TransactionResultCodeTxTooEarly:            "tx_too_early",
	xdr.TransactionResultCodeTxTooLate:             CodeTooLate,
	xdr.TransactionResultCodeTxBadSeq:              CodeBadSeq,
	xdr.TransactionResultCodeTxBadAuth:             "tx_bad_auth",
	xdr.TransactionResultCodeTxInsufficientBalance: "tx_insufficient_balance",
	xdr.TransactionResultCodeTxNoAccount:           "tx_no_source_account",
	xdr.TransactionResultCodeTxInsufficientFee:     CodeInsufficientFee,
	xdr.TransactionResultCodeTxSorobanInvalid:      "tx_soroban_invalid",
}

func codeFromResultXdr(resultXdr string) string {
	var result xdr.TransactionResult
	if err := xdr.SafeUnmarshalBase64(resultXdr, &result); err != nil {
		return CodeFailed
	}

	if result.Result.Code == xdr.TransactionResultCodeTxFailed && result.Result.Results != nil {
		for _, op := range *result.Result.Results {
			if op.Tr == nil || op.Tr.InvokeHostFunctionResult == nil {
				continue
			}
			switch op.Tr.InvokeHostFunctionResult.Code {
			case xdr.InvokeHostFunctionResultCodeInvokeHostFunctionTrapped:
				return CodeTrapped
			case xdr.InvokeHostFunctionResultCodeInvokeHostFunctionResourceLimitExceeded:
				return CodeResourceLimit
			}
		}
	}

	if code, ok := txResultCodes[result.Result.Code]; ok {
		return code
	}
	return CodeFailed
}

// withContext runs a blocking SDK call and gives up when ctx is done.
func withContext[T any](ctx context.Context, f func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := f()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
