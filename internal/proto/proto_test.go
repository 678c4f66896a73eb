package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeExtractsType(t *testing.T) {
	data, err := json.Marshal(PTYOutput{Type: TypePTYOutput, InstanceID: "abc", Data: "aGVsbG8="})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, TypePTYOutput, env.Type)
}

func TestRegisterRoundTrip(t *testing.T) {
	orig := Register{Type: TypeRegister, Name: "w1", AdminToken: "A", ShareToken: "H"}
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded Register
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, orig, decoded)
}

func TestErrorFrameCarriesKind(t *testing.T) {
	e := NewError(ErrNotAuthorized, "admin role required")
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, TypeError, env.Type)

	var decoded Error
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, ErrNotAuthorized, decoded.Kind)
}

func TestUnknownTypeDoesNotErrorOnEnvelopeDecode(t *testing.T) {
	data := []byte(`{"type":"some-future-kind","extra":123}`)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, "some-future-kind", env.Type)
}
