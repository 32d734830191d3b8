package gateway

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClassify tests host classification against a base domain
func TestClassify(t *testing.T) {
	const id = "123e4567-e89b-12d3-a456-426614174000"

	tests := []struct {
		name    string
		host    string
		base    string
		want    Route
		wantErr error
	}{
		{
			name: "workspace subdomain",
			host: id + "-8080.example.com",
			base: "example.com",
			want: Route{Kind: RouteWorkspace, WorkspaceID: id, Port: 8080},
		},
		{
			name: "workspace subdomain with port",
			host: id + "-3000.example.com:5110",
			base: "example.com",
			want: Route{Kind: RouteWorkspace, WorkspaceID: id, Port: 3000},
		},
		{
			name: "upper case hex",
			host: "123E4567-E89B-12D3-A456-426614174000-80.Example.com",
			base: "example.com",
			want: Route{Kind: RouteWorkspace, WorkspaceID: id, Port: 80},
		},
		{
			name: "max port",
			host: id + "-65535.example.com",
			base: "example.com",
			want: Route{Kind: RouteWorkspace, WorkspaceID: id, Port: 65535},
		},
		{
			name:    "port out of range",
			host:    id + "-65536.example.com",
			base:    "example.com",
			wantErr: ErrInvalidPort,
		},
		{
			name:    "port zero",
			host:    id + "-0.example.com",
			base:    "example.com",
			wantErr: ErrInvalidPort,
		},
		{
			name:    "port too many digits",
			host:    id + "-123456.example.com",
			base:    "example.com",
			wantErr: ErrInvalidHost,
		},
		{
			name: "base domain",
			host: "example.com",
			base: "example.com",
			want: Route{Kind: RouteControlPlane},
		},
		{
			name: "base domain with port",
			host: "codeharbor.localhost:5110",
			base: "codeharbor.localhost",
			want: Route{Kind: RouteControlPlane},
		},
		{
			name:    "foreign domain",
			host:    "example.org",
			base:    "example.com",
			wantErr: ErrInvalidHost,
		},
		{
			name:    "suffix without dot",
			host:    "evilexample.com",
			base:    "example.com",
			wantErr: ErrInvalidHost,
		},
		{
			name:    "non workspace subdomain",
			host:    "www.example.com",
			base:    "example.com",
			wantErr: ErrInvalidHost,
		},
		{
			name:    "nested subdomain",
			host:    "a." + id + "-8080.example.com",
			base:    "example.com",
			wantErr: ErrInvalidHost,
		},
		{
			name:    "missing port group",
			host:    id + ".example.com",
			base:    "example.com",
			wantErr: ErrInvalidHost,
		},
		{
			name:    "short uuid group",
			host:    "123e456-e89b-12d3-a456-426614174000-8080.example.com",
			base:    "example.com",
			wantErr: ErrInvalidHost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.host, tt.base)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestClassifyRoundTrip checks that every encodable id and port decodes back
func TestClassifyRoundTrip(t *testing.T) {
	ids := []string{
		"00000000-0000-0000-0000-000000000000",
		"ffffffff-ffff-ffff-ffff-ffffffffffff",
		"9b2c1f0e-4d3a-4b5c-8e7f-0a1b2c3d4e5f",
	}
	ports := []int{1, 22, 80, 443, 3000, 8080, 65535}

	for _, id := range ids {
		for _, port := range ports {
			host := fmt.Sprintf("%s-%d.codeharbor.localhost", id, port)
			got, err := Classify(host, "codeharbor.localhost")
			require.NoError(t, err, host)
			assert.Equal(t, id, got.WorkspaceID)
			assert.Equal(t, port, got.Port)
		}
	}
}

func TestRouteKindString(t *testing.T) {
	assert.Equal(t, "control_plane", RouteControlPlane.String())
	assert.Equal(t, "workspace", RouteWorkspace.String())
	assert.Equal(t, "unknown", RouteKind(42).String())
}
