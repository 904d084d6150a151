package qos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicyValidates(t *testing.T) {
	p := New()
	assert.NoError(t, p.Validate())
}

func TestKeepLastZeroDepthRejected(t *testing.T) {
	p := New(WithKeepLast(0))
	assert.ErrorIs(t, p.Validate(), ErrQoSError)
}

func TestReduceTransientToTransientLocal(t *testing.T) {
	p := New(WithDurability(Transient))
	reduced, changed := p.Reduce()
	assert.True(t, changed)
	assert.Equal(t, TransientLocal, reduced.Durability)

	p2 := New(WithDurability(Volatile))
	_, changed2 := p2.Reduce()
	assert.False(t, changed2)
}

func TestCompatibleReliability(t *testing.T) {
	writer := New(WithReliability(BestEffort))
	reader := New(WithReliability(Reliable))
	assert.False(t, Compatible(writer, reader))

	writer2 := New(WithReliability(Reliable))
	assert.True(t, Compatible(writer2, reader))
}

func TestCompatibleDeadline(t *testing.T) {
	writer := New(WithDeadline(200 * time.Millisecond))
	reader := New(WithDeadline(100 * time.Millisecond))
	assert.False(t, Compatible(writer, reader), "writer period must be <= reader period")

	writer2 := New(WithDeadline(50 * time.Millisecond))
	assert.True(t, Compatible(writer2, reader))
}

func TestCompatibleOwnershipMustMatchExactly(t *testing.T) {
	writer := New(WithOwnership(Exclusive, 10))
	reader := New(WithOwnership(Shared, 0))
	assert.False(t, Compatible(writer, reader))
}
