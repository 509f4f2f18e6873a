package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"blockwatch/internal/config"
	"blockwatch/internal/store"
)

func TestRunShutsDownOnContextCancel(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "blockwatch.db"))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(t.Context()))

	cfg := &config.Config{
		AdminAddr: "127.0.0.1:0",
		Networks:  map[string]config.Network{},
		Hooks:     map[string]config.Hook{},
	}

	sup := New(cfg, st, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not shut down in time")
	}
}
