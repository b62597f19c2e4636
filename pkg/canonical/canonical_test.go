package canonical

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	type payload struct {
		Zulu  string `json:"zulu"`
		Alpha string `json:"alpha"`
		Mike  int    `json:"mike"`
	}

	out, err := Marshal(payload{Zulu: "z", Alpha: "a", Mike: 7})
	require.NoError(t, err)
	require.Equal(t, `{"alpha":"a","mike":7,"zulu":"z"}`, string(out))
}

func TestMarshalNestedAndCompact(t *testing.T) {
	in := map[string]any{
		"outer": map[string]any{"b": true, "a": 1},
		"count": 10,
	}
	out, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, `{"count":10,"outer":{"a":1,"b":true}}`, string(out))
}

func TestMarshalDeterministic(t *testing.T) {
	in := map[string]any{"firewall": map[string]bool{"enabled": true}, "pending_updates": 3}
	first, err := Marshal(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(in)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestMarshalPreservesIntegers(t *testing.T) {
	out, err := Marshal(map[string]int{"pending_updates": 12})
	require.NoError(t, err)
	require.Equal(t, `{"pending_updates":12}`, string(out))
}

func TestChallengePayload(t *testing.T) {
	payload := ChallengePayload("abc123")
	decoded, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	require.Equal(t, `{"challenge":"abc123"}`, string(decoded))
}

func TestSigningPayloadRoundTrip(t *testing.T) {
	payload, err := SigningPayload(map[string]string{"k": "v"})
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	require.Equal(t, `{"k":"v"}`, string(decoded))
}
