package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerLimiterIndependentPerBroker(t *testing.T) {
	l := NewBrokerLimiter(3600) // one per second
	assert.True(t, l.Allow("broker-a"))
	assert.False(t, l.Allow("broker-a"))
	assert.True(t, l.Allow("broker-b"))
}
