package accessory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStableID(t *testing.T) {
	a := StableID("Küche • Beleuchtung:type=Switch:u1")
	b := StableID("Küche • Beleuchtung:type=Switch:u1")
	c := StableID("Küche • Beleuchtung:type=Switch:u2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Greater(t, a, uint64(1))
}

func TestNewBase_InvalidIdentifier(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewLight(Device{Identifier: "broken"}, env.ctx)
	assert.Error(t, err)
}

func TestNewBase_NameFallsBackToRoom(t *testing.T) {
	env := newTestEnv(t)

	acc, err := NewLight(Device{Identifier: "Flur • Beleuchtung:type=Switch:u1"}, env.ctx)
	require.NoError(t, err)

	assert.Equal(t, "Flur", acc.Name())
	assert.Equal(t, StableID("Flur • Beleuchtung:type=Switch:u1"), acc.HAP().Id)
}
