package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	srv := miniredis.RunT(t)
	srv.RequireAuth("secret")

	client, err := New(context.Background(), Config{Addr: srv.Addr(), Password: "secret"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	srv.CheckGet(t, "k", "v")
}

func TestNewRejectsBadCredentials(t *testing.T) {
	srv := miniredis.RunT(t)
	srv.RequireAuth("secret")

	_, err := New(context.Background(), Config{Addr: srv.Addr(), Password: "wrong"})
	require.ErrorContains(t, err, "platform/cache: ping")
}

func TestAsynqOptMirrorsConfig(t *testing.T) {
	opt := Config{Addr: "redis:6379", Password: "pw", DB: 3}.AsynqOpt()
	require.Equal(t, "redis:6379", opt.Addr)
	require.Equal(t, "pw", opt.Password)
	require.Equal(t, 3, opt.DB)
}
