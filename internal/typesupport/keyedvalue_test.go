package typesupport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdds-team/hdds/internal/history"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	v := KeyedValue{Key: 42, Value: 3.5}
	buf := Marshal(v)
	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestUnmarshalTruncated(t *testing.T) {
	_, err := Unmarshal([]byte{0x00, 0x01})
	assert.Error(t, err)
}

func TestKeyBytesDistinguishesInstances(t *testing.T) {
	a := KeyBytes(KeyedValue{Key: 1, Value: 1.0})
	b := KeyBytes(KeyedValue{Key: 2, Value: 1.0})
	assert.NotEqual(t, a, b)

	instA := history.ComputeInstanceKey(a)
	instB := history.ComputeInstanceKey(b)
	assert.NotEqual(t, instA, instB)
}
