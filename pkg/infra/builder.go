package infra

import (
	"encoding/binary"
	"math"
	"math/big"

	"github.com/pkg/errors"
	"github.com/stellar/go-stellar-sdk/strkey"
	"github.com/stellar/go-stellar-sdk/txnbuild"
	"github.com/stellar/go-stellar-sdk/xdr"
)

const (
	DefaultTimeoutSeconds = 30
	maxSymbolLength       = 32
)

var (
	maxUint64 = new(big.Int).SetUint64(math.MaxUint64)
)

// Build assembles an unsigned envelope holding one InvokeHostFunction
// operation. sequence is the account's current sequence number; the envelope
// consumes sequence+1. Parameters are serialized in order and the function
// name and contract id are copied verbatim.
func Build(source string, sequence, fee int64, passphrase string, timeoutSeconds int64, call ContractCall) (*Envelope, error) {
	if timeoutSeconds <= 0 {
		return nil, invalidParameter("timeout %d is not a positive number of seconds", timeoutSeconds)
	}

	contract, err := contractAddress(call.ContractID)
	if err != nil {
		return nil, err
	}

	args, display, err := serializeParams(call.Params)
	if err != nil {
		return nil, err
	}

	op := &txnbuild.InvokeHostFunction{
		HostFunction: xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
			InvokeContract: &xdr.InvokeContractArgs{
				ContractAddress: contract,
				FunctionName:    xdr.ScSymbol(call.Function.Symbol()),
				Args:            args,
			},
		},
	}

	tx, err := txnbuild.NewTransaction(
		txnbuild.TransactionParams{
			SourceAccount:        &txnbuild.SimpleAccount{AccountID: source, Sequence: sequence},
			IncrementSequenceNum: true,
			Operations:           []txnbuild.Operation{op},
			BaseFee:              fee,
			Preconditions: txnbuild.Preconditions{
				TimeBounds: txnbuild.NewTimeout(timeoutSeconds),
			},
		},
	)
	if err != nil {
		return nil, newError(InvalidParameter, errors.Wrapf(err, "error building %s transaction", call.Function))
	}

	return &Envelope{
		Source:            source,
		Sequence:          tx.SequenceNumber(),
		Fee:               fee,
		Call:              call,
		NetworkPassphrase: passphrase,
		TimeoutSeconds:    timeoutSeconds,
		params:            display,
		tx:                tx,
	}, nil
}

// ValidateCall runs every local check Build performs on a call, so that an
// invalid call can be refused before any network round trip.
func ValidateCall(call ContractCall) error {
	if _, err := contractAddress(call.ContractID); err != nil {
		return err
	}
	_, _, err := serializeParams(call.Params)
	return err
}

func serializeParams(params []Param) ([]xdr.ScVal, []string, error) {
	args := make([]xdr.ScVal, 0, len(params))
	display := make([]string, 0, len(params))
	for i, p := range params {
		v, s, err := paramToScVal(p)
		if err != nil {
			var e *Error
			if errors.As(err, &e) {
				e.Err = errors.Wrapf(e.Err, "parameter %d", i)
			}
			return nil, nil, err
		}
		args = append(args, v)
		display = append(display, s)
	}
	return args, display, nil
}

func paramToScVal(p Param) (xdr.ScVal, string, error) {
	switch p.Kind {
	case ParamSymbol:
		if err := checkSymbol(p.Text); err != nil {
			return xdr.ScVal{}, "", err
		}
		sym := xdr.ScSymbol(p.Text)
		return xdr.ScVal{Type: xdr.ScValTypeScvSymbol, Sym: &sym}, p.Text, nil
	case ParamString:
		str := xdr.ScString(p.Text)
		return xdr.ScVal{Type: xdr.ScValTypeScvString, Str: &str}, p.Text, nil
	case ParamAmount:
		return amountToScVal(p.Number)
	case ParamAddress:
		aid, err := xdr.AddressToAccountId(p.Text)
		if err != nil {
			return xdr.ScVal{}, "", newError(InvalidParameter, errors.Wrapf(err, "invalid account address %q", p.Text))
		}
		addr := xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeAccount, AccountId: &aid}
		return xdr.ScVal{Type: xdr.ScValTypeScvAddress, Address: &addr}, p.Text, nil
	default:
		return xdr.ScVal{}, "", invalidParameter("unsupported parameter kind %d", p.Kind)
	}
}

// amountToScVal converts a UI number into an i128. Only finite, non-negative
// integral values are accepted so the conversion is lossless.
func amountToScVal(v float64) (xdr.ScVal, string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return xdr.ScVal{}, "", invalidParameter("amount %v is not a finite number", v)
	}
	if v < 0 {
		return xdr.ScVal{}, "", invalidParameter("amount %v is negative", v)
	}
	if v != math.Trunc(v) {
		return xdr.ScVal{}, "", invalidParameter("amount %v is not an integer", v)
	}

	n, _ := new(big.Float).SetFloat64(v).Int(nil)
	if n.BitLen() > 127 {
		return xdr.ScVal{}, "", invalidParameter("amount %v exceeds the i128 range", v)
	}

	parts := xdr.Int128Parts{
		Hi: xdr.Int64(new(big.Int).Rsh(n, 64).Int64()),
		Lo: xdr.Uint64(new(big.Int).And(n, maxUint64).Uint64()),
	}
	return xdr.ScVal{Type: xdr.ScValTypeScvI128, I128: &parts}, n.String(), nil
}

func checkSymbol(s string) error {
	if s == "" {
		return invalidParameter("symbol is empty")
	}
	if len(s) > maxSymbolLength {
		return invalidParameter("symbol %q is longer than %d characters", s, maxSymbolLength)
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return invalidParameter("symbol %q contains %q, only [a-zA-Z0-9_] are allowed", s, c)
		}
	}
	return nil
}

// contractAddress decodes a C... strkey into an ScAddress. The union is
// assembled from its XDR form: a 4 byte discriminant then the 32 byte id.
func contractAddress(id string) (xdr.ScAddress, error) {
	raw, err := strkey.Decode(strkey.VersionByteContract, id)
	if err != nil {
		return xdr.ScAddress{}, newError(InvalidParameter, errors.Wrapf(err, "invalid contract id %q", id))
	}

	buf := make([]byte, 4, 4+len(raw))
	binary.BigEndian.PutUint32(buf, uint32(xdr.ScAddressTypeScAddressTypeContract))
	buf = append(buf, raw...)

	var addr xdr.ScAddress
	if err := addr.UnmarshalBinary(buf); err != nil {
		return xdr.ScAddress{}, newError(InvalidParameter, errors.Wrapf(err, "invalid contract id %q", id))
	}
	return addr, nil
}
