package hbbft

import "errors"

var (
	// ErrRequiresClient is returned by any Engine method that needs a
	// Host and is called before RegisterClient.
	ErrRequiresClient = errors.New("hbbft: engine requires a registered host")
	// ErrRequiresSigner reports a missing signing capability: no Signer
	// registered via SetSigner, or, from a Signer's SignShare, no secret
	// key share installed yet. Engine methods that find no signer skip
	// the signing work and do not return it.
	ErrRequiresSigner = errors.New("hbbft: engine requires a registered signer")
	// ErrMalformedMessage is returned when a wire envelope fails to
	// decode, or decodes to a variant the engine does not recognize.
	ErrMalformedMessage = errors.New("hbbft: malformed message")
	// ErrUnexpectedMessage is returned when an otherwise well-formed
	// message arrives before a committee is installed, from a sender that
	// is not a committee member, while this node has no Honey Badger
	// state or sealing tracker, or for a block number the sealing tracker
	// is not tracking. Messages for another sequence number are dropped
	// without an error.
	ErrUnexpectedMessage = errors.New("hbbft: unexpected message")
	// ErrInvalidSeal is returned by VerifyBlockFamily when a block's
	// seal does not carry a combined signature valid under the
	// committee's master public key.
	ErrInvalidSeal = errors.New("hbbft: invalid seal")
	// ErrNoRandomValue is returned when GenerateEngineTransactions is
	// called for a block number the random-number table has no entry for
	// yet.
	ErrNoRandomValue = errors.New("hbbft: no value available for calling randomness contract")
)
