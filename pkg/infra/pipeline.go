package infra

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// confirmGrace extends the confirmation wait past the envelope's time bound
// to cover the close time of the last ledger it could land in.
const confirmGrace = 6 * time.Second

// Recorder receives every invocation once it reaches a terminal state.
type Recorder interface {
	Record(ctx context.Context, e *Element) error
}

// Pipeline turns a contract call into a signed, submitted and confirmed
// transaction. It performs exactly one attempt per call and holds no mutable
// state, so concurrent calls are allowed; callers sharing one identity must
// serialize them or accept sequence number collisions.
type Pipeline struct {
	ledger     Ledger
	identity   *Identity
	contractID string
	passphrase string
	timeout    int64
	metrics    *Metrics
	recorder   Recorder
	logger     *log.Logger
}

type Option func(*Pipeline)

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithTimeout sets the validity window of every envelope.
func WithTimeout(seconds int64) Option {
	return func(p *Pipeline) { p.timeout = seconds }
}

func NewPipeline(ledger Ledger, identity *Identity, contractID, passphrase string, logger *log.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		ledger:     ledger,
		identity:   identity,
		contractID: contractID,
		passphrase: passphrase,
		timeout:    DefaultTimeoutSeconds,
		metrics:    DisabledMetrics(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) ContractID() string { return p.contractID }

// Address is the public address of the signing identity.
func (p *Pipeline) Address() string { return p.identity.Address() }

// Invoke calls fn on the contract with params.
func (p *Pipeline) Invoke(ctx context.Context, fn Function, params ...Param) (*SubmissionResult, error) {
	e := newElement(ContractCall{
		ContractID: p.contractID,
		Function:   fn,
		Params:     params,
	})

	e.Result, e.Err = p.process(ctx, e)
	p.finish(ctx, e)

	return e.Result, e.Err
}

func (p *Pipeline) process(ctx context.Context, e *Element) (*SubmissionResult, error) {
	if p.identity == nil || p.identity.kp == nil {
		return nil, newError(InvalidIdentity, errors.New("pipeline has no identity"))
	}
	if err := ValidateCall(e.Call); err != nil {
		return nil, err
	}
	source := p.identity.Address()

	fee, err := p.ledger.FetchBaseFee(ctx)
	if err != nil {
		return nil, asNetworkError(err, "failed to fetch base fee")
	}
	seq, err := p.ledger.AccountSequence(ctx, source)
	if err != nil {
		return nil, asNetworkError(err, "failed to load account %s", source)
	}

	env, err := Build(source, seq, fee, p.passphrase, p.timeout, e.Call)
	if err != nil {
		return nil, err
	}
	e.Envelope = env
	e.BuiltTime = time.Now()
	p.logger.Debugf("Built %s envelope seq=%d fee=%d params=%v", e.Call.Function, env.Sequence, env.Fee, env.Parameters())

	if err := p.identity.Sign(env); err != nil {
		return nil, err
	}
	e.SignedTime = time.Now()

	res, err := p.ledger.Submit(ctx, env)
	e.SubmittedTime = time.Now()
	if err != nil {
		return nil, asNetworkError(err, "failed to submit %s", e.Call.Function)
	}

	if res.Status == StatusPending {
		p.logger.Debugf("Transaction %s pending, waiting until %s", res.Hash, env.Expiry().Format(time.RFC3339))
		cctx, cancel := context.WithDeadline(ctx, env.Expiry().Add(confirmGrace))
		defer cancel()
		res, err = p.ledger.Confirm(cctx, res.Hash)
		if err != nil {
			return nil, asNetworkError(err, "failed to confirm %s", e.Call.Function)
		}
	}
	e.ObservedTime = time.Now()

	if res.Status == StatusFailed {
		return res, rejected(res.ResultCode, errors.Errorf("transaction %s failed in ledger %d", res.Hash, res.Ledger))
	}
	return res, nil
}

func (p *Pipeline) finish(ctx context.Context, e *Element) {
	fields := log.Fields{
		"id":       e.ID,
		"function": e.Call.Function.Symbol(),
	}
	if e.Envelope != nil {
		fields["seq"] = e.Envelope.Sequence
	}
	if e.Result != nil {
		fields["hash"] = e.Result.Hash
	}

	outcome := "success"
	if e.Err != nil {
		outcome = KindOf(e.Err).String()
		fields["code"] = ResultCode(e.Err)
		p.logger.WithFields(fields).Warnf("Invocation failed: %v", e.Err)
	} else {
		p.logger.WithFields(fields).Infof("Invocation confirmed in ledger %d", e.Result.Ledger)
	}
	p.metrics.keep(e, outcome)

	// nothing reached the network, nothing to audit
	if p.recorder == nil || e.Envelope == nil {
		return
	}
	if err := p.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		p.logger.Errorf("Fail to record invocation %s: %v", e.ID, err)
	}
}

func asNetworkError(err error, format string, args ...interface{}) error {
	if KindOf(err) != KindUnknown {
		return err
	}
	return networkError(err, format, args...)
}
