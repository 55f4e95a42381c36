// Package core holds the small amount of transaction-pool adjacent logic the
// consensus engine depends on but does not own outright.
package core

import (
	"errors"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUnsignedTransaction is returned if a transaction included in a
	// contribution does not carry a recoverable signature.
	ErrUnsignedTransaction = errors.New("transaction has no recoverable sender")
)

// VerifyTx checks that tx is a validly signed transaction, i.e. that its
// sender can be recovered under signer. This is the gate a decoded
// contribution transaction must pass before it is allowed into a pending
// block: a Byzantine contributor can propose arbitrary byte strings as
// "transactions", and only signature recovery tells honest nodes apart from
// garbage.
func VerifyTx(signer types.Signer, tx *types.Transaction) error {
	if _, err := types.Sender(signer, tx); err != nil {
		return ErrUnsignedTransaction
	}
	return nil
}
