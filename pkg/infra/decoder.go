package infra

import (
	"math"

	"github.com/stellar/go-stellar-sdk/xdr"
)

// Decoded is the typed form of a contract return value. The concrete type is
// chosen by the function that produced it.
type Decoded interface {
	decoded()
}

// Ack is returned by state-changing calls whose contract result is void.
type Ack struct{}

// ProjectNames is the result of get_all_projects.
type ProjectNames []string

// ProjectStatus is the result of get_project_status.
type ProjectStatus struct {
	CurrentAmount int64
	Goal          int64
}

func (Ack) decoded() {}
func (ProjectNames) decoded() {}
func (ProjectStatus) decoded() {}

// Decode maps the return value of fn into its typed shape.
func Decode(fn Function, v xdr.ScVal) (Decoded, error) {
	switch fn {
	case GetAllProjects:
		return decodeProjectNames(v)
	case GetProjectStatus:
		return decodeProjectStatus(v)
	case CreateProject, Donate, Withdraw, Init:
		if v.Type != xdr.ScValTypeScvVoid {
			return nil, decodeError("%s: expected void, got %s", fn, v.Type)
		}
		return Ack{}, nil
	default:
		return nil, decodeError("no decoder for %s", fn)
	}
}

func decodeProjectNames(v xdr.ScVal) (ProjectNames, error) {
	items, err := vecOf(v)
	if err != nil {
		return nil, err
	}
	names := make(ProjectNames, 0, len(items))
	for i, item := range items {
		switch {
		case item.Type == xdr.ScValTypeScvSymbol && item.Sym != nil:
			names = append(names, string(*item.Sym))
		case item.Type == xdr.ScValTypeScvString && item.Str != nil:
			names = append(names, string(*item.Str))
		default:
			return nil, decodeError("project name %d: expected a symbol or string, got %s", i, item.Type)
		}
	}
	return names, nil
}

func decodeProjectStatus(v xdr.ScVal) (ProjectStatus, error) {
	items, err := vecOf(v)
	if err != nil {
		return ProjectStatus{}, err
	}
	if len(items) != 2 {
		return ProjectStatus{}, decodeError("project status: expected (current, goal), got %d values", len(items))
	}
	current, err := integerOf(items[0])
	if err != nil {
		return ProjectStatus{}, err
	}
	goal, err := integerOf(items[1])
	if err != nil {
		return ProjectStatus{}, err
	}
	return ProjectStatus{CurrentAmount: current, Goal: goal}, nil
}

func vecOf(v xdr.ScVal) (xdr.ScVec, error) {
	if v.Type != xdr.ScValTypeScvVec {
		return nil, decodeError("expected a vec, got %s", v.Type)
	}
	if v.Vec == nil || *v.Vec == nil {
		return xdr.ScVec{}, nil
	}
	return **v.Vec, nil
}

// integerOf accepts any integer ScVal whose value fits in an int64.
func integerOf(v xdr.ScVal) (int64, error) {
	switch v.Type {
	case xdr.ScValTypeScvU32:
		if v.U32 != nil {
			return int64(*v.U32), nil
		}
	case xdr.ScValTypeScvI32:
		if v.I32 != nil {
			return int64(*v.I32), nil
		}
	case xdr.ScValTypeScvU64:
		if v.U64 != nil {
			if uint64(*v.U64) > math.MaxInt64 {
				return 0, decodeError("u64 %d overflows int64", uint64(*v.U64))
			}
			return int64(*v.U64), nil
		}
	case xdr.ScValTypeScvI64:
		if v.I64 != nil {
			return int64(*v.I64), nil
		}
	case xdr.ScValTypeScvU128:
		if v.U128 != nil {
			if v.U128.Hi != 0 || uint64(v.U128.Lo) > math.MaxInt64 {
				return 0, decodeError("u128 value overflows int64")
			}
			return int64(v.U128.Lo), nil
		}
	case xdr.ScValTypeScvI128:
		if v.I128 != nil {
			hi, lo := int64(v.I128.Hi), uint64(v.I128.Lo)
			// fits when hi is the sign extension of lo
			if (hi == 0 && lo <= math.MaxInt64) || (hi == -1 && lo > math.MaxInt64) {
				return int64(lo), nil
			}
			return 0, decodeError("i128 value overflows int64")
		}
	}
	return 0, decodeError("expected an integer, got %s", v.Type)
}
