package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONCodec(t *testing.T) {
	type record struct {
		Stream  string `json:"stream"`
		Payload []byte `json:"payload"`
	}

	data, err := Default.Marshal(record{Stream: "order-42", Payload: []byte{0xff, 0x00}})
	require.NoError(t, err)
	require.JSONEq(t, `{"stream":"order-42","payload":"/wA="}`, string(data))

	var got record
	require.NoError(t, Default.Unmarshal(data, &got))
	require.Equal(t, []byte{0xff, 0x00}, got.Payload)

	require.Error(t, Default.Unmarshal([]byte("{"), &got))
}
