package infra_test

import (
	"math"
	"time"

	"github.com/GwanWingYan/microdonate/pkg/infra"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/network"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"
)

var _ = Describe("Build", func() {

	var (
		source string
		call   infra.ContractCall
	)

	BeforeEach(func() {
		source = keypair.MustRandom().Address()
		call = infra.ContractCall{
			ContractID: testContractID(),
			Function:   infra.CreateProject,
			Params:     []infra.Param{infra.Symbol("alpha"), infra.Amount(500)},
		}
	})

	It("builds one invoke_host_function operation", func() {
		before := time.Now()
		env, err := infra.Build(source, 41, 100, network.TestNetworkPassphrase, 30, call)
		Expect(err).NotTo(HaveOccurred())

		Expect(env.Source).To(Equal(source))
		Expect(env.Sequence).To(Equal(int64(42)))
		Expect(env.Fee).To(Equal(int64(100)))
		Expect(env.Signed()).To(BeFalse())
		Expect(env.Parameters()).To(Equal([]string{"alpha", "500"}))
		Expect(env.Expiry()).To(BeTemporally("~", before.Add(30*time.Second), 2*time.Second))

		ops := env.Transaction().Operations()
		Expect(ops).To(HaveLen(1))
		op, ok := ops[0].(*txnbuild.InvokeHostFunction)
		Expect(ok).To(BeTrue())
		args := op.HostFunction.InvokeContract
		Expect(string(args.FunctionName)).To(Equal("create_project"))
		Expect(args.Args).To(HaveLen(2))
		Expect(args.Args[0].Type).To(Equal(xdr.ScValTypeScvSymbol))
		Expect(args.Args[1].Type).To(Equal(xdr.ScValTypeScvI128))
		Expect(uint64(args.Args[1].I128.Lo)).To(Equal(uint64(500)))
		Expect(int64(args.Args[1].I128.Hi)).To(BeZero())
	})

	It("honours the timeout", func() {
		before := time.Now()
		env, err := infra.Build(source, 1, 100, network.TestNetworkPassphrase, 300, call)
		Expect(err).NotTo(HaveOccurred())
		Expect(env.TimeoutSeconds).To(Equal(int64(300)))
		Expect(env.Expiry()).To(BeTemporally("~", before.Add(300*time.Second), 2*time.Second))
	})

	It("keeps large amounts exact", func() {
		call.Params[1] = infra.Amount(1 << 62)
		env, err := infra.Build(source, 1, 100, network.TestNetworkPassphrase, 30, call)
		Expect(err).NotTo(HaveOccurred())
		Expect(env.Parameters()[1]).To(Equal("4611686018427387904"))
	})

	It("serializes addresses", func() {
		admin := keypair.MustRandom().Address()
		call = infra.ContractCall{
			ContractID: testContractID(),
			Function:   infra.Init,
			Params:     []infra.Param{infra.Address(admin)},
		}
		env, err := infra.Build(source, 1, 100, network.TestNetworkPassphrase, 30, call)
		Expect(err).NotTo(HaveOccurred())
		Expect(env.Parameters()).To(Equal([]string{admin}))
	})

	DescribeTable("rejects invalid parameters",
		func(p infra.Param) {
			call.Params[1] = p
			Expect(infra.ValidateCall(call)).To(HaveOccurred())

			_, err := infra.Build(source, 1, 100, network.TestNetworkPassphrase, 30, call)
			Expect(infra.KindOf(err)).To(Equal(infra.InvalidParameter))
		},
		Entry("negative amount", infra.Amount(-1)),
		Entry("NaN", infra.Amount(math.NaN())),
		Entry("positive infinity", infra.Amount(math.Inf(1))),
		Entry("fractional amount", infra.Amount(1.5)),
		Entry("amount beyond i128", infra.Amount(math.MaxFloat64)),
		Entry("empty symbol", infra.Symbol("")),
		Entry("symbol with spaces", infra.Symbol("my project")),
		Entry("bad address", infra.Address("GNOTANADDRESS")),
	)

	It("rejects a malformed contract id", func() {
		call.ContractID = source
		_, err := infra.Build(source, 1, 100, network.TestNetworkPassphrase, 30, call)
		Expect(infra.KindOf(err)).To(Equal(infra.InvalidParameter))
		Expect(err).To(MatchError(ContainSubstring("invalid contract id")))
	})

	It("rejects a non-positive timeout", func() {
		_, err := infra.Build(source, 1, 100, network.TestNetworkPassphrase, 0, call)
		Expect(infra.KindOf(err)).To(Equal(infra.InvalidParameter))
	})
})

var _ = Describe("Identity", func() {

	It("fails on a malformed secret", func() {
		_, err := infra.LoadIdentity("not-a-seed")
		Expect(infra.KindOf(err)).To(Equal(infra.InvalidIdentity))
	})

	It("signs an envelope exactly once", func() {
		id, kp := testIdentity()
		Expect(id.Address()).To(Equal(kp.Address()))

		call := infra.ContractCall{ContractID: testContractID(), Function: infra.GetAllProjects}
		env, err := infra.Build(id.Address(), 7, 100, network.TestNetworkPassphrase, 30, call)
		Expect(err).NotTo(HaveOccurred())

		Expect(id.Sign(env)).To(Succeed())
		Expect(env.Signed()).To(BeTrue())
		sigs := env.Transaction().Signatures()
		Expect(sigs).To(HaveLen(1))

		hash, err := env.Transaction().Hash(network.TestNetworkPassphrase)
		Expect(err).NotTo(HaveOccurred())
		Expect(kp.Verify(hash[:], sigs[0].Signature)).To(Succeed())

		err = id.Sign(env)
		Expect(infra.KindOf(err)).To(Equal(infra.InvalidParameter))
		Expect(infra.ResultCode(err)).To(Equal(infra.CodeAlreadySigned))
	})

	It("refuses to sign without a loaded identity", func() {
		var id *infra.Identity
		call := infra.ContractCall{ContractID: testContractID(), Function: infra.GetAllProjects}
		env, err := infra.Build(keypair.MustRandom().Address(), 7, 100, network.TestNetworkPassphrase, 30, call)
		Expect(err).NotTo(HaveOccurred())

		Expect(infra.KindOf(id.Sign(env))).To(Equal(infra.InvalidIdentity))
		Expect(env.Signed()).To(BeFalse())
	})

	It("refuses an envelope for another source", func() {
		id, _ := testIdentity()
		call := infra.ContractCall{ContractID: testContractID(), Function: infra.GetAllProjects}
		env, err := infra.Build(keypair.MustRandom().Address(), 7, 100, network.TestNetworkPassphrase, 30, call)
		Expect(err).NotTo(HaveOccurred())

		Expect(infra.KindOf(id.Sign(env))).To(Equal(infra.InvalidIdentity))
	})
})
