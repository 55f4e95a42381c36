package threshold

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	bls12381 "github.com/kilic/bls12-381"
)

// publicKeySetJSON is the serialized shape of a PublicKeySet: the
// compressed G1 commitment per polynomial coefficient, lowest degree
// first.
type publicKeySetJSON struct {
	Commits []hexutil.Bytes `json:"commits"`
}

// MarshalJSON encodes the key set's commitment polynomial as hex strings,
// the form the config generator embeds in TOML files and operators paste
// between nodes.
func (pks *PublicKeySet) MarshalJSON() ([]byte, error) {
	out := publicKeySetJSON{Commits: make([]hexutil.Bytes, len(pks.poly.commits))}
	for i, c := range pks.poly.commits {
		out.Commits[i] = publicKeyBytes(c)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON, rejecting commitments that do not
// decode to valid G1 points.
func (pks *PublicKeySet) UnmarshalJSON(data []byte) error {
	var in publicKeySetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.Commits) == 0 {
		return fmt.Errorf("threshold: public key set has no commitments")
	}
	commits := make([]*bls12381.PointG1, len(in.Commits))
	for i, raw := range in.Commits {
		pt, err := publicKeyFromBytes(raw)
		if err != nil {
			return fmt.Errorf("threshold: bad commitment %d: %w", i, err)
		}
		commits[i] = pt
	}
	pks.poly = &pubPoly{commits: commits}
	return nil
}

type secretKeyShareJSON struct {
	Index uint64        `json:"index"`
	Share hexutil.Bytes `json:"share"`
}

// MarshalJSON encodes the share as its index and 32-byte scalar. The
// output is secret material; it only ever belongs in a config or keystore
// file with filesystem-level protection.
func (s *SecretKeyShare) MarshalJSON() ([]byte, error) {
	share := s.share.bytes()
	return json.Marshal(secretKeyShareJSON{Index: s.index, Share: share[:]})
}

// UnmarshalJSON reverses MarshalJSON.
func (s *SecretKeyShare) UnmarshalJSON(data []byte) error {
	var in secretKeyShareJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.Share) != 32 {
		return fmt.Errorf("threshold: secret key share must be 32 bytes, got %d", len(in.Share))
	}
	s.index = in.Index
	s.share = newScalar(new(big.Int).SetBytes(in.Share))
	return nil
}

// Equal reports whether two shares hold the same index and scalar.
func (s *SecretKeyShare) Equal(other *SecretKeyShare) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.index == other.index && s.share.v.Cmp(other.share.v) == 0
}
