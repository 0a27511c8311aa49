package transport

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPeerIdentity(t *testing.T) {
	robotID := uuid.New()

	require.NoError(t, verifyPeerIdentity(robotID.String(), "", robotID))
	require.NoError(t, verifyPeerIdentity(robotID.String(), robotID.String(), robotID))

	// The hostname is client-chosen; a CN naming it must never pass.
	assert.Error(t, verifyPeerIdentity("worker-01", "", robotID))
	assert.Error(t, verifyPeerIdentity("worker-01", robotID.String(), robotID))
	assert.Error(t, verifyPeerIdentity("", "", robotID))

	other := uuid.New()
	assert.Error(t, verifyPeerIdentity(robotID.String(), other.String(), robotID),
		"claimed id must name the registered robot")
	assert.Error(t, verifyPeerIdentity(robotID.String(), "not-a-uuid", robotID))
}
