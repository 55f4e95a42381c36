package threshold

import (
	"errors"
	"fmt"

	bls12381 "github.com/kilic/bls12-381"
)

var (
	// ErrInvalidShare is returned when a signature share does not verify
	// against the dealt public key share for its claimed index.
	ErrInvalidShare = errors.New("threshold: invalid signature share")
	// ErrNotEnoughShares is returned when CombineSignatures is asked to interpolate
	// a combined signature from fewer than threshold+1 shares.
	ErrNotEnoughShares = errors.New("threshold: not enough signature shares to combine")
	// ErrInvalidSignature is returned when a combined signature fails to
	// verify against the committee's master key.
	ErrInvalidSignature = errors.New("threshold: invalid combined signature")
)

// Sign produces this node's signature share over msg. Shares from at least
// threshold()+1 distinct nodes can later be combined into the committee's
// single 96-byte threshold signature.
func (s *SecretKeyShare) Sign(msg []byte) []byte {
	return signatureBytes(sign(s.share, msg))
}

// VerifyShare checks that sig is a valid signature share over msg for the
// node at index, against the committee's PublicKeySet.
func VerifyShare(pks *PublicKeySet, index uint64, msg, sig []byte) error {
	point, err := signatureFromBytes(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	pubShare, err := publicKeyFromBytes(pks.PublicKeyShare(index))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	if !verifyPairing(pubShare, point, hashToG2(msg)) {
		return ErrInvalidShare
	}
	return nil
}

// CombineSignatures interpolates the committee's single combined signature
// over msg from a set of verified per-node shares, keyed by node index.
// Any threshold+1 distinct shares suffice; the result is independent of
// which ones are supplied.
func CombineSignatures(threshold int, shares map[uint64][]byte) ([]byte, error) {
	if len(shares) < threshold+1 {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughShares, len(shares), threshold+1)
	}

	indices := make([]uint64, 0, len(shares))
	for idx := range shares {
		indices = append(indices, idx)
	}
	// Interpolating at x=0 needs exactly threshold+1 points; extra shares
	// beyond that are simply ignored rather than erroring, since the
	// sealing tracker may have collected more than the minimum by the
	// time it combines.
	indices = indices[:threshold+1]

	var points []*bls12381.PointG2
	for _, idx := range indices {
		point, err := signatureFromBytes(shares[idx])
		if err != nil {
			return nil, fmt.Errorf("%w: share from index %d: %v", ErrInvalidShare, idx, err)
		}
		coeff, err := lagrangeCoefficient(idx, indices)
		if err != nil {
			return nil, err
		}
		weighted := &bls12381.PointG2{}
		g2.MulScalarBig(weighted, point, coeff.v)
		points = append(points, weighted)
	}

	return signatureBytes(sumG2(points)), nil
}

// VerifyCombined checks a combined signature against the committee's
// master public key, the final check a block seal's signature must pass.
func VerifyCombined(pks *PublicKeySet, msg, sig []byte) error {
	point, err := signatureFromBytes(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	master, err := publicKeyFromBytes(pks.MasterKey())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !verifyPairing(master, point, hashToG2(msg)) {
		return ErrInvalidSignature
	}
	return nil
}
