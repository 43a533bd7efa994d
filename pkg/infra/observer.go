package infra

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"
)

const DefaultPollInterval = 2 * time.Second

var errNotIncluded = errors.New("transaction not yet in a ledger")

// Observer waits for a submitted transaction to reach a ledger.
type Observer struct {
	api      horizonAPI
	interval time.Duration
	logger   *log.Logger
}

func NewObserver(api horizonAPI, interval time.Duration, logger *log.Logger) *Observer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Observer{
		api:      api,
		interval: interval,
		logger:   logger,
	}
}

// Await polls for hash until it is found or ctx is done. Lookup failures
// other than "not found" are retried on the same interval; the caller bounds
// the wait through ctx.
func (o *Observer) Await(ctx context.Context, hash string) (*SubmissionResult, error) {
	var res *SubmissionResult
	attempt := 0

	poll := func() error {
		attempt++
		tx, err := withContext(ctx, func() (hProtocol.Transaction, error) {
			return o.api.TransactionDetail(hash)
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if herr := horizonclient.GetError(err); herr != nil && herr.Problem.Status == http.StatusNotFound {
				o.logger.Debugf("Transaction %s not observed yet (attempt %d)", hash, attempt)
				return errNotIncluded
			}
			o.logger.Warnf("Lookup of transaction %s failed (attempt %d): %v", hash, attempt, err)
			return err
		}

		r, err := resultFromTransaction(tx)
		if err != nil {
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	err := backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(o.interval), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: NetworkUnavailable, Code: CodeConfirmationTimeout, Err: errors.Wrapf(ctx.Err(), "transaction %s not confirmed", hash)}
		}
		if KindOf(err) != KindUnknown {
			return nil, err
		}
		return nil, networkError(err, "failed to observe %s", hash)
	}
	return res, nil
}
