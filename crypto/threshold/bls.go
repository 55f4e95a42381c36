// Package threshold implements the pairing-based threshold cryptography the
// consensus engine needs: Shamir secret sharing over the BLS12-381 scalar
// field for distributed key generation (see dkg.go), and BLS threshold
// signatures for block sealing (see sign.go).
//
// Public keys and the DKG's verification commitments live on G1 (48-byte
// compressed points), signatures on G2 (96-byte compressed points). This is
// the "min-pubkey-size" BLS variant, chosen because it gives the 96-byte
// combined signature the wire format expects.
package threshold

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"

	bls12381 "github.com/kilic/bls12-381"
)

// groupOrder is the order of the G1/G2 subgroups of BLS12-381, i.e. the
// scalar field Shamir sharing is performed over.
var groupOrder, _ = new(big.Int).SetString(
	"73eda753299d7d483339d80809a1d80553bda402fffe5bfeffffffff00000001", 16)

// scalar is a field element modulo groupOrder.
type scalar struct {
	v *big.Int
}

func newScalar(v *big.Int) scalar {
	return scalar{v: new(big.Int).Mod(v, groupOrder)}
}

func scalarFromUint64(i uint64) scalar {
	return newScalar(new(big.Int).SetUint64(i))
}

func randomScalar(r io.Reader) (scalar, error) {
	v, err := rand.Int(r, groupOrder)
	if err != nil {
		return scalar{}, err
	}
	return scalar{v: v}, nil
}

func (a scalar) add(b scalar) scalar { return newScalar(new(big.Int).Add(a.v, b.v)) }
func (a scalar) sub(b scalar) scalar { return newScalar(new(big.Int).Sub(a.v, b.v)) }
func (a scalar) mul(b scalar) scalar { return newScalar(new(big.Int).Mul(a.v, b.v)) }
func (a scalar) isZero() bool       { return a.v.Sign() == 0 }

func (a scalar) inverse() (scalar, error) {
	if a.isZero() {
		return scalar{}, errors.New("threshold: cannot invert zero scalar")
	}
	return scalar{v: new(big.Int).ModInverse(a.v, groupOrder)}, nil
}

func (a scalar) bytes() [32]byte {
	var out [32]byte
	a.v.FillBytes(out[:])
	return out
}

var (
	g1 = bls12381.NewG1()
	g2 = bls12381.NewG2()
)

// commitG1 computes g1^a, the G1 commitment to scalar a.
func commitG1(a scalar) *bls12381.PointG1 {
	r := &bls12381.PointG1{}
	g1.MulScalarBig(r, g1.One(), a.v)
	return r
}

// commitG2 computes g2^a, the G2 commitment to scalar a.
func commitG2(a scalar) *bls12381.PointG2 {
	r := &bls12381.PointG2{}
	g2.MulScalarBig(r, g2.One(), a.v)
	return r
}

func sumG1(points []*bls12381.PointG1) *bls12381.PointG1 {
	r := g1.Zero()
	for _, p := range points {
		g1.Add(r, r, p)
	}
	return r
}

func sumG2(points []*bls12381.PointG2) *bls12381.PointG2 {
	r := g2.Zero()
	for _, p := range points {
		g2.Add(r, r, p)
	}
	return r
}

// hashToG2 maps an arbitrary message onto a point in G2, the hash-to-curve
// step BLS signing requires. Messages are block bare-hashes (32 bytes); they
// go to the library's hash-to-curve with a fixed domain-separation tag.
func hashToG2(msg []byte) *bls12381.PointG2 {
	p, err := g2.HashToCurve(msg, []byte("hbbft-consensus/bls-sig-v1"))
	if err != nil {
		panic(err)
	}
	return p
}

// publicKeyBytes marshals a G1 point to its 48-byte compressed form.
func publicKeyBytes(p *bls12381.PointG1) []byte { return g1.ToCompressed(p) }

func publicKeyFromBytes(b []byte) (*bls12381.PointG1, error) { return g1.FromCompressed(b) }

// signatureBytes marshals a G2 point to its 96-byte compressed form.
func signatureBytes(p *bls12381.PointG2) []byte { return g2.ToCompressed(p) }

func signatureFromBytes(b []byte) (*bls12381.PointG2, error) { return g2.FromCompressed(b) }

// verifyPairing checks e(g1, sig) == e(pubkey, hmsg), the BLS verification
// equation for the min-pubkey-size variant (public keys on G1, signatures on
// G2).
func verifyPairing(pubkey *bls12381.PointG1, sig, hmsg *bls12381.PointG2) bool {
	left := bls12381.NewEngine()
	left.AddPair(g1.One(), sig)

	right := bls12381.NewEngine()
	right.AddPair(pubkey, hmsg)

	return left.Result().Equal(right.Result())
}

// sign produces sk * H(msg), the raw BLS signature share.
func sign(sk scalar, msg []byte) *bls12381.PointG2 {
	hmsg := hashToG2(msg)
	r := &bls12381.PointG2{}
	g2.MulScalarBig(r, hmsg, sk.v)
	return r
}
