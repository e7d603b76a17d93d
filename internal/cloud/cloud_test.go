package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloatingAddress(t *testing.T) {
	instance := &Instance{Addresses: map[string][]Address{
		"private": {
			{Address: "10.0.0.5", Version: 4, Type: "fixed"},
			{Address: "2001:db8::7", Version: 6, Type: "floating"},
			{Address: "203.0.113.7", Version: 4, Type: "floating"},
		},
	}}
	assert.Equal(t, "203.0.113.7", instance.FloatingAddress())

	assert.Empty(t, (&Instance{}).FloatingAddress())
}

func TestStateActionValid(t *testing.T) {
	for _, a := range []StateAction{ActionPause, ActionUnpause, ActionStart, ActionStop, ActionReboot} {
		assert.True(t, a.Valid(), a)
	}
	assert.False(t, StateAction("resize").Valid())
}
