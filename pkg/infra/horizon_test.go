package infra_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/GwanWingYan/microdonate/pkg/infra"
	"github.com/gorilla/mux"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	"github.com/stellar/go-stellar-sdk/network"
	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"
	"github.com/stellar/go-stellar-sdk/support/render/problem"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"
)

type fakeHorizon struct {
	mu sync.Mutex

	baseFee int64

	submitTx  hProtocol.Transaction
	submitErr error

	// lookups answers TransactionDetail in order; the last entry repeats.
	lookups []lookup
	polls   int
}

type lookup struct {
	tx  hProtocol.Transaction
	err error
}

func (f *fakeHorizon) FeeStats() (hProtocol.FeeStats, error) {
	return hProtocol.FeeStats{LastLedgerBaseFee: f.baseFee}, nil
}

func (f *fakeHorizon) AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error) {
	return hProtocol.Account{AccountID: request.AccountID, Sequence: 9}, nil
}

func (f *fakeHorizon) SubmitTransactionXDR(transactionXdr string) (hProtocol.Transaction, error) {
	return f.submitTx, f.submitErr
}

func (f *fakeHorizon) TransactionDetail(txHash string) (hProtocol.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.lookups) {
		i = len(f.lookups) - 1
	}
	f.polls++
	return f.lookups[i].tx, f.lookups[i].err
}

func (f *fakeHorizon) Root() (hProtocol.Root, error) { return hProtocol.Root{}, nil }

func horizonProblem(status int, extras map[string]interface{}) error {
	return &horizonclient.Error{Problem: problem.P{
		Type:   "transaction_failed",
		Title:  http.StatusText(status),
		Status: status,
		Extras: extras,
	}}
}

func notFound() error { return horizonProblem(http.StatusNotFound, nil) }

func metaWithReturn(v xdr.ScVal) string {
	meta := xdr.TransactionMeta{
		V: 3,
		V3: &xdr.TransactionMetaV3{
			SorobanMeta: &xdr.SorobanTransactionMeta{ReturnValue: v},
		},
	}
	s, err := xdr.MarshalBase64(meta)
	if err != nil {
		panic(err)
	}
	return s
}

func metaV4WithReturn(v *xdr.ScVal) string {
	meta := xdr.TransactionMeta{
		V: 4,
		V4: &xdr.TransactionMetaV4{
			SorobanMeta: &xdr.SorobanTransactionMetaV2{ReturnValue: v},
		},
	}
	s, err := xdr.MarshalBase64(meta)
	if err != nil {
		panic(err)
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/hal+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var _ = Describe("HorizonLedger", func() {

	var (
		api      *fakeHorizon
		ledger   *infra.HorizonLedger
		identity *infra.Identity
		env      *infra.Envelope
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		api = &fakeHorizon{baseFee: 100}
		ledger = infra.NewTestHorizonLedger(api, infra.NetworkTestnet, 10*time.Millisecond, quietLogger())

		identity, _ = testIdentity()
		var err error
		env, err = infra.Build(identity.Address(), 9, 100, network.TestNetworkPassphrase, 30, infra.ContractCall{
			ContractID: testContractID(),
			Function:   infra.GetProjectStatus,
			Params:     []infra.Param{infra.Symbol("alpha")},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(identity.Sign(env)).To(Succeed())
	})

	It("uses the base fee of the last ledger", func() {
		api.baseFee = 250
		fee, err := ledger.FetchBaseFee(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fee).To(Equal(int64(250)))
	})

	It("never goes below the minimum base fee", func() {
		api.baseFee = 0
		fee, err := ledger.FetchBaseFee(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(fee).To(Equal(int64(txnbuild.MinBaseFee)))
	})

	It("loads the account sequence", func() {
		seq, err := ledger.AccountSequence(ctx, identity.Address())
		Expect(err).NotTo(HaveOccurred())
		Expect(seq).To(Equal(int64(9)))
	})

	It("refuses an unsigned envelope", func() {
		unsigned, err := infra.Build(identity.Address(), 9, 100, network.TestNetworkPassphrase, 30, env.Call)
		Expect(err).NotTo(HaveOccurred())
		_, err = ledger.Submit(ctx, unsigned)
		Expect(infra.KindOf(err)).To(Equal(infra.InvalidParameter))
	})

	It("extracts the return value of a successful submission", func() {
		api.submitTx = hProtocol.Transaction{
			Hash:          "abc",
			Ledger:        77,
			FeeCharged:    120,
			Successful:    true,
			ResultMetaXdr: metaWithReturn(scVec(scI128(0, 120), scI128(0, 500))),
		}

		res, err := ledger.Submit(ctx, env)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(infra.StatusSuccess))
		Expect(res.Ledger).To(Equal(int32(77)))

		d, err := infra.Decode(infra.GetProjectStatus, res.ReturnValue)
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(infra.ProjectStatus{CurrentAmount: 120, Goal: 500}))
	})

	It("extracts the return value from V4 meta", func() {
		rv := scVec(scI128(0, 120), scI128(0, 500))
		api.submitTx = hProtocol.Transaction{
			Hash:          "abc",
			Ledger:        78,
			Successful:    true,
			ResultMetaXdr: metaV4WithReturn(&rv),
		}

		res, err := ledger.Submit(ctx, env)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(infra.StatusSuccess))

		d, err := infra.Decode(infra.GetProjectStatus, res.ReturnValue)
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(infra.ProjectStatus{CurrentAmount: 120, Goal: 500}))
	})

	It("reads no return value from V4 meta without one", func() {
		_, ok, err := infra.ReturnValueFromMeta(metaV4WithReturn(nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("classifies result codes", func() {
		api.submitErr = horizonProblem(http.StatusBadRequest, map[string]interface{}{
			"result_codes": map[string]interface{}{"transaction": "tx_bad_seq"},
		})

		_, err := ledger.Submit(ctx, env)
		Expect(infra.KindOf(err)).To(Equal(infra.SubmissionRejected))
		Expect(infra.ResultCode(err)).To(Equal(infra.CodeBadSeq))
	})

	It("prefers the operation code of a failed transaction", func() {
		api.submitErr = horizonProblem(http.StatusBadRequest, map[string]interface{}{
			"result_codes": map[string]interface{}{
				"transaction": "tx_failed",
				"operations":  []string{"op_underfunded"},
			},
		})

		_, err := ledger.Submit(ctx, env)
		Expect(infra.ResultCode(err)).To(Equal("op_underfunded"))
	})

	It("treats a gateway timeout as pending", func() {
		api.submitErr = horizonProblem(http.StatusGatewayTimeout, nil)

		res, err := ledger.Submit(ctx, env)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(infra.StatusPending))
		hash, _ := env.Hash()
		Expect(res.Hash).To(Equal(hash))
	})

	It("treats transport failures as network errors", func() {
		api.submitErr = errors.New("dial tcp: connection refused")

		_, err := ledger.Submit(ctx, env)
		Expect(infra.KindOf(err)).To(Equal(infra.NetworkUnavailable))
	})

	Context("confirmation", func() {
		It("polls until the transaction appears", func() {
			api.lookups = []lookup{
				{err: notFound()},
				{err: notFound()},
				{tx: hProtocol.Transaction{Hash: "abc", Ledger: 80, Successful: true}},
			}

			res, err := ledger.Confirm(ctx, "abc")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(infra.StatusSuccess))
			Expect(res.ReturnValue.Type).To(Equal(xdr.ScValTypeScvVoid))
			Expect(api.polls).To(Equal(3))
		})

		It("gives up when the context ends", func() {
			api.lookups = []lookup{{err: notFound()}}

			cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			_, err := ledger.Confirm(cctx, "abc")
			Expect(infra.KindOf(err)).To(Equal(infra.NetworkUnavailable))
			Expect(infra.ResultCode(err)).To(Equal(infra.CodeConfirmationTimeout))
		})

		It("reports a failed transaction", func() {
			api.lookups = []lookup{{tx: hProtocol.Transaction{Hash: "abc", Successful: false}}}

			res, err := ledger.Confirm(ctx, "abc")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(infra.StatusFailed))
			Expect(res.ResultCode).To(Equal(infra.CodeFailed))
		})
	})

	It("links transactions to the explorer", func() {
		Expect(ledger.ExplorerURL("abc")).To(Equal("https://stellar.expert/explorer/testnet/tx/abc"))
	})

	Context("over HTTP", func() {

		var (
			srv      *httptest.Server
			mu       sync.Mutex
			posted   []string
			rejectTx bool
		)

		submitted := func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), posted...)
		}

		BeforeEach(func() {
			posted = nil
			rejectTx = false

			rv := scVec(scI128(0, 120), scI128(0, 500))
			router := mux.NewRouter()
			router.HandleFunc("/fee_stats", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"last_ledger":          "123",
					"last_ledger_base_fee": "150",
				})
			}).Methods(http.MethodGet)
			router.HandleFunc("/accounts/{id}", func(w http.ResponseWriter, r *http.Request) {
				id := mux.Vars(r)["id"]
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"id":         id,
					"account_id": id,
					"sequence":   "41",
				})
			}).Methods(http.MethodGet)
			router.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				posted = append(posted, r.PostFormValue("tx"))
				reject := rejectTx
				mu.Unlock()
				if reject {
					writeJSON(w, http.StatusBadRequest, map[string]interface{}{
						"type":   "https://stellar.org/horizon-errors/transaction_failed",
						"title":  "Transaction Failed",
						"status": http.StatusBadRequest,
						"extras": map[string]interface{}{
							"result_codes": map[string]interface{}{"transaction": "tx_bad_seq"},
						},
					})
					return
				}
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"hash":            "abc",
					"ledger":          77,
					"successful":      true,
					"fee_charged":     120,
					"result_meta_xdr": metaV4WithReturn(&rv),
				})
			}).Methods(http.MethodPost)

			srv = httptest.NewServer(router)
			ledger = infra.NewHorizonLedger(infra.Config{
				HorizonURL:     srv.URL,
				Network:        infra.NetworkTestnet,
				RequestTimeout: 5 * time.Second,
				PollInterval:   10 * time.Millisecond,
			}, quietLogger())
		})

		AfterEach(func() {
			srv.Close()
		})

		It("fetches the fee and the account sequence", func() {
			fee, err := ledger.FetchBaseFee(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(fee).To(Equal(int64(150)))

			seq, err := ledger.AccountSequence(ctx, identity.Address())
			Expect(err).NotTo(HaveOccurred())
			Expect(seq).To(Equal(int64(41)))
		})

		It("submits the signed envelope and decodes the result", func() {
			res, err := ledger.Submit(ctx, env)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(infra.StatusSuccess))
			Expect(res.Ledger).To(Equal(int32(77)))
			Expect(res.FeeCharged).To(Equal(int64(120)))

			blob, err := env.Base64()
			Expect(err).NotTo(HaveOccurred())
			Expect(submitted()).To(Equal([]string{blob}))

			d, err := infra.Decode(infra.GetProjectStatus, res.ReturnValue)
			Expect(err).NotTo(HaveOccurred())
			Expect(d).To(Equal(infra.ProjectStatus{CurrentAmount: 120, Goal: 500}))
		})

		It("surfaces a rejection with its result code", func() {
			mu.Lock()
			rejectTx = true
			mu.Unlock()

			_, err := ledger.Submit(ctx, env)
			Expect(infra.KindOf(err)).To(Equal(infra.SubmissionRejected))
			Expect(infra.ResultCode(err)).To(Equal(infra.CodeBadSeq))
			Expect(submitted()).To(HaveLen(1))
		})
	})
})
