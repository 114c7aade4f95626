package isolation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneFlagsNoneWhenUnset(t *testing.T) {
	assert.EqualValues(t, 0, Controls{}.CloneFlags())
}

func TestCloneFlagsProcessImpliesMountPidUTS(t *testing.T) {
	flags := Controls{IsolateProcess: true}.CloneFlags()
	assert.NotZero(t, flags&cloneNewNS)
	assert.NotZero(t, flags&cloneNewPID)
	assert.NotZero(t, flags&cloneNewUTS)
	assert.Zero(t, flags&cloneNewNET)
}

func TestCloneFlagsNetworkIndependent(t *testing.T) {
	flags := Controls{IsolateNetwork: true}.CloneFlags()
	assert.Zero(t, flags&cloneNewNS)
	assert.NotZero(t, flags&cloneNewNET)
}
