package threshold

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriPolyEvalMatchesCommitment(t *testing.T) {
	poly, err := newPriPoly(3, rand.Reader)
	require.NoError(t, err)
	pub := poly.commit()

	for idx := uint64(1); idx <= 5; idx++ {
		share := poly.eval(idx)
		require.True(t, g1.Equal(commitG1(share), pub.eval(idx)), "index %d", idx)
	}
}

func TestPriPolyAddIsHomomorphicOverCommitments(t *testing.T) {
	a, err := newPriPoly(2, rand.Reader)
	require.NoError(t, err)
	b, err := newPriPoly(2, rand.Reader)
	require.NoError(t, err)

	sum, err := a.add(b)
	require.NoError(t, err)

	pubSum, err := a.commit().add(b.commit())
	require.NoError(t, err)

	for idx := uint64(1); idx <= 3; idx++ {
		require.True(t, g1.Equal(commitG1(sum.eval(idx)), pubSum.eval(idx)))
	}
}

func TestPriPolyAddDegreeMismatch(t *testing.T) {
	a, err := newPriPoly(2, rand.Reader)
	require.NoError(t, err)
	b, err := newPriPoly(3, rand.Reader)
	require.NoError(t, err)

	_, err = a.add(b)
	require.Error(t, err)
}

func TestPublicKeySetMasterKeyIsConstantTerm(t *testing.T) {
	poly, err := newPriPoly(1, rand.Reader)
	require.NoError(t, err)
	pks := &PublicKeySet{poly: poly.commit()}

	require.Equal(t, publicKeyBytes(commitG1(poly.secret())), pks.MasterKey())
}

func TestPublicKeySetEqual(t *testing.T) {
	poly, err := newPriPoly(1, rand.Reader)
	require.NoError(t, err)
	a := &PublicKeySet{poly: poly.commit()}
	b := &PublicKeySet{poly: poly.commit()}

	require.True(t, a.Equal(b))

	other, err := newPriPoly(1, rand.Reader)
	require.NoError(t, err)
	c := &PublicKeySet{poly: other.commit()}
	require.False(t, a.Equal(c))
}

func TestLagrangeCoefficientRecoversSecret(t *testing.T) {
	poly, err := newPriPoly(2, rand.Reader)
	require.NoError(t, err)

	indices := []uint64{1, 2, 3}
	recovered := scalarFromUint64(0)
	first := true
	for _, idx := range indices {
		coeff, err := lagrangeCoefficient(idx, indices)
		require.NoError(t, err)
		term := poly.eval(idx).mul(coeff)
		if first {
			recovered = term
			first = false
		} else {
			recovered = recovered.add(term)
		}
	}

	require.Equal(t, poly.secret().bytes(), recovered.bytes())
}
