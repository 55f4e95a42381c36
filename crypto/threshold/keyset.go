package threshold

import (
	"crypto/rand"
	"fmt"
	"io"

	bls12381 "github.com/kilic/bls12-381"
)

// priPoly is a degree-t polynomial over the BLS12-381 scalar field, the
// dealer-side object a single Part in the DKG protocol deals out.
type priPoly struct {
	coeffs []scalar // coeffs[i] is the coefficient of x^i
}

// newPriPoly draws a random degree-t polynomial.
func newPriPoly(t int, r io.Reader) (*priPoly, error) {
	if r == nil {
		r = rand.Reader
	}
	coeffs := make([]scalar, t+1)
	for i := range coeffs {
		s, err := randomScalar(r)
		if err != nil {
			return nil, err
		}
		coeffs[i] = s
	}
	return &priPoly{coeffs: coeffs}, nil
}

func (p *priPoly) threshold() int { return len(p.coeffs) - 1 }

// secret returns the polynomial's constant term, the shared secret.
func (p *priPoly) secret() scalar { return p.coeffs[0] }

// eval evaluates p at x = index (index 0 is never dealt out: it is the
// secret itself).
func (p *priPoly) eval(index uint64) scalar {
	x := scalarFromUint64(index)
	acc := scalar{v: p.coeffs[len(p.coeffs)-1].v}
	for i := len(p.coeffs) - 2; i >= 0; i-- {
		acc = acc.mul(x).add(p.coeffs[i])
	}
	return acc
}

// commit computes the public commitment polynomial, a G1 point per
// coefficient. Recipients use it to verify their dealt share without
// learning the dealer's secret.
func (p *priPoly) commit() *pubPoly {
	commits := make([]*bls12381.PointG1, len(p.coeffs))
	for i, c := range p.coeffs {
		commits[i] = commitG1(c)
	}
	return &pubPoly{commits: commits}
}

// add combines two polynomials coefficient-wise. Used to fold every
// accepted dealer's polynomial into the committee's joint polynomial.
func (p *priPoly) add(q *priPoly) (*priPoly, error) {
	if len(p.coeffs) != len(q.coeffs) {
		return nil, fmt.Errorf("threshold: polynomial degree mismatch: %d != %d", len(p.coeffs)-1, len(q.coeffs)-1)
	}
	sum := make([]scalar, len(p.coeffs))
	for i := range sum {
		sum[i] = p.coeffs[i].add(q.coeffs[i])
	}
	return &priPoly{coeffs: sum}, nil
}

// pubPoly is the public commitment to a priPoly: a degree-t vector of G1
// points. The committee's joint PublicKeySet is the sum of every accepted
// dealer's pubPoly.
type pubPoly struct {
	commits []*bls12381.PointG1
}

func (p *pubPoly) threshold() int { return len(p.commits) - 1 }

// commit returns the public key, the commitment's constant term (g1^secret).
func (p *pubPoly) commit() *bls12381.PointG1 { return p.commits[0] }

// eval computes g1^(p(index)) homomorphically from the commitments, without
// knowledge of the underlying polynomial.
func (p *pubPoly) eval(index uint64) *bls12381.PointG1 {
	x := scalarFromUint64(index)
	acc := &bls12381.PointG1{}
	acc.Set(p.commits[len(p.commits)-1])
	for i := len(p.commits) - 2; i >= 0; i-- {
		g1.MulScalarBig(acc, acc, x.v)
		g1.Add(acc, acc, p.commits[i])
	}
	return acc
}

// add combines two public commitment polynomials coefficient-wise.
func (p *pubPoly) add(q *pubPoly) (*pubPoly, error) {
	if len(p.commits) != len(q.commits) {
		return nil, fmt.Errorf("threshold: commitment degree mismatch: %d != %d", len(p.commits)-1, len(q.commits)-1)
	}
	sum := make([]*bls12381.PointG1, len(p.commits))
	for i := range sum {
		sum[i] = &bls12381.PointG1{}
		g1.Add(sum[i], p.commits[i], q.commits[i])
	}
	return &pubPoly{commits: sum}, nil
}

// PublicKeySet is the committee's shared threshold public key: a
// commitment to the degree-f joint polynomial produced by DKG. Every honest
// node holds an identical copy once DKG completes.
type PublicKeySet struct {
	poly *pubPoly
}

// Threshold returns f, the number of shares that alone reveal nothing.
func (pks *PublicKeySet) Threshold() int { return pks.poly.threshold() }

// MasterKey returns the committee's single combined public key (48 bytes
// compressed), the key block seals verify against.
func (pks *PublicKeySet) MasterKey() []byte { return publicKeyBytes(pks.poly.commit()) }

// PublicKeyShare returns the public key corresponding to node index's
// secret key share, used to verify an individual signature share.
func (pks *PublicKeySet) PublicKeyShare(index uint64) []byte {
	return publicKeyBytes(pks.poly.eval(index))
}

// Equal reports whether two PublicKeySets commit to the same polynomial.
func (pks *PublicKeySet) Equal(other *PublicKeySet) bool {
	if pks == nil || other == nil || len(pks.poly.commits) != len(other.poly.commits) {
		return false
	}
	for i := range pks.poly.commits {
		if !g1.Equal(pks.poly.commits[i], other.poly.commits[i]) {
			return false
		}
	}
	return true
}

// SecretKeyShare is a single node's share of the committee's threshold
// secret key: its evaluation of the joint polynomial at the node's own
// index. Never transmitted; only threshold-many signature shares it
// produces are.
type SecretKeyShare struct {
	index uint64
	share scalar
}

// Index returns the node index this share was evaluated at.
func (s *SecretKeyShare) Index() uint64 { return s.index }

// lagrangeCoefficient computes the Lagrange basis polynomial L_index(0) over
// the given set of indices, the weight share at index contributes when
// interpolating the polynomial's value at x=0 from threshold-many shares.
func lagrangeCoefficient(index uint64, indices []uint64) (scalar, error) {
	num := scalarFromUint64(1)
	den := scalarFromUint64(1)
	xi := scalarFromUint64(index)
	for _, j := range indices {
		if j == index {
			continue
		}
		xj := scalarFromUint64(j)
		num = num.mul(scalar{v: xj.v})
		den = den.mul(xj.sub(xi))
	}
	denInv, err := den.inverse()
	if err != nil {
		return scalar{}, fmt.Errorf("threshold: degenerate Lagrange basis (duplicate index %d): %w", index, err)
	}
	return num.mul(denInv), nil
}
