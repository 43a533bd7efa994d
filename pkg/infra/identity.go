package infra

import (
	"github.com/pkg/errors"
	"github.com/stellar/go-stellar-sdk/keypair"
)

// Identity holds the operator keypair. It is read-only after LoadIdentity
// and the secret seed is never exposed.
type Identity struct {
	kp *keypair.Full
}

// LoadIdentity parses a secret seed (S...).
func LoadIdentity(secret string) (*Identity, error) {
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, newError(InvalidIdentity, errors.Wrap(err, "error loading secret key"))
	}
	return &Identity{kp: kp}, nil
}

// Address returns the public account address (G...).
func (id *Identity) Address() string {
	if id == nil || id.kp == nil {
		return ""
	}
	return id.kp.Address()
}

// Sign signs env in place. An envelope can only be signed once.
func (id *Identity) Sign(env *Envelope) error {
	if id == nil || id.kp == nil {
		return newError(InvalidIdentity, errors.New("identity is not loaded"))
	}
	if env.signed {
		return &Error{Kind: InvalidParameter, Code: CodeAlreadySigned, Err: errors.New("envelope is already signed")}
	}
	if env.Source != id.kp.Address() {
		return newError(InvalidIdentity, errors.Errorf("envelope source %s is not %s", env.Source, id.kp.Address()))
	}

	tx, err := env.tx.Sign(env.NetworkPassphrase, id.kp)
	if err != nil {
		return newError(InvalidIdentity, errors.Wrap(err, "error signing transaction"))
	}
	env.tx = tx
	env.signed = true
	return nil
}
