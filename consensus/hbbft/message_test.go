package hbbft

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := sealingPayload{BlockNumber: 7, Index: 2, Share: []byte{1, 2, 3}}
	data, err := encodeEnvelope(kindSealing, 5, payload)
	require.NoError(t, err)

	env, err := decodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, kindSealing, env.Kind)
	require.Equal(t, uint64(5), env.Epoch)

	var decoded sealingPayload
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	require.Equal(t, payload, decoded)
}

func TestDecodeEnvelopeRejectsUnknownKind(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"kind":"bogus","epoch":0,"payload":{}}`))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := decodeEnvelope([]byte(`not json`))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestSealRoundTrip(t *testing.T) {
	sig := make([]byte, 96)
	for i := range sig {
		sig[i] = byte(i)
	}
	encoded, err := encodeSeal(sig)
	require.NoError(t, err)

	decoded, err := decodeSeal(encoded)
	require.NoError(t, err)
	require.Equal(t, sig, decoded)
}

func TestDecodeSealRejectsGarbage(t *testing.T) {
	_, err := decodeSeal([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrInvalidSeal)
}
