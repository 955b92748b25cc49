package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yaotools/toolmeter/internal/config"
)

func TestOpenStoresSQLite(t *testing.T) {
	cfg := config.Config{DataDir: t.TempDir()}
	st, err := OpenStores(cfg)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	for name, p := range st.Pingers() {
		require.NoError(t, p.Ping(ctx), name)
	}
	require.Len(t, st.Pingers(), 4)

	balance, err := st.Ledger.EnsureAccount(ctx, "u1", 7)
	require.NoError(t, err)
	require.EqualValues(t, 7, balance)
}
