package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkspaceHasAccess(t *testing.T) {
	ws := &Workspace{OwnerID: "owner", SharedUserIDs: []string{"friend"}}

	tests := []struct {
		user string
		want bool
	}{
		{"owner", true},
		{"friend", true},
		{"stranger", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ws.HasAccess(tt.user), tt.user)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := &Session{ExpiresAt: now}
	assert.True(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Second)))
	assert.False(t, s.Expired(now.Add(-time.Second)))
}
