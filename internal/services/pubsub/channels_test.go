package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelConstants(t *testing.T) {
	assert.Equal(t, "hrguard:otp:delivery", ChannelOTPDelivery)
	assert.Equal(t, "hrguard:security:lockout", ChannelLockout)
	assert.Equal(t, "hrguard:session:expired", ChannelSessionExpired)
}
