package threshold

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublicKeySetJSONRoundTrip(t *testing.T) {
	sessions := runDKG(t, 4, 1)
	pks, share, err := sessions[0].Generate()
	require.NoError(t, err)

	data, err := json.Marshal(pks)
	require.NoError(t, err)

	var decoded PublicKeySet
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, pks.Equal(&decoded))
	require.Equal(t, pks.MasterKey(), decoded.MasterKey())

	shareData, err := json.Marshal(share)
	require.NoError(t, err)
	var decodedShare SecretKeyShare
	require.NoError(t, json.Unmarshal(shareData, &decodedShare))
	require.True(t, share.Equal(&decodedShare))

	// The decoded share must still produce shares the decoded key set
	// verifies.
	msg := []byte("serialized share still signs")
	require.NoError(t, VerifyShare(&decoded, decodedShare.Index(), msg, decodedShare.Sign(msg)))
}

func TestPublicKeySetUnmarshalRejectsGarbage(t *testing.T) {
	var pks PublicKeySet
	require.Error(t, json.Unmarshal([]byte(`{"commits":[]}`), &pks))
	require.Error(t, json.Unmarshal([]byte(`{"commits":["0xdeadbeef"]}`), &pks))
}

func TestSecretKeyShareUnmarshalRejectsWrongLength(t *testing.T) {
	var share SecretKeyShare
	require.Error(t, json.Unmarshal([]byte(`{"index":1,"share":"0xdead"}`), &share))
}
