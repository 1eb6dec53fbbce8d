package opencode_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/telecode/internal/opencode"
	"github.com/zjrosen/telecode/internal/opencode/octest"
)

func TestBuildClients(t *testing.T) {
	fake := octest.New(t)

	clients := opencode.BuildClients(fake.URL())
	require.NotNil(t, clients.V1)
	require.NotNil(t, clients.V2)
	require.Equal(t, fake.URL(), clients.V1.BaseURL())
	require.Equal(t, fake.URL(), clients.V2.BaseURL())

	// Both generations talk to the same server.
	session, err := clients.V1.CreateSession(context.Background(), "shared")
	require.NoError(t, err)
	require.NoError(t, clients.V2.Abort(context.Background(), session.ID))
	require.Equal(t, []string{session.ID}, fake.Aborts())
}
