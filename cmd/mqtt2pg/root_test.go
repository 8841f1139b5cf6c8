package mqtt2pg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/bridge"
	"github.com/edgeflare/mqtt2pg/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, ExitOK},
		{"config", fmt.Errorf("%w: brokerPort out of range", config.ErrInvalidConfig), ExitConfig},
		{"usage", errors.New(`unknown flag: --nope`), ExitConfig},
		{"bus", fmt.Errorf("%w: connection refused", bridge.ErrBusConnect), ExitBusConnect},
		{"store", fmt.Errorf("%w: connection refused", bridge.ErrStoreConnect), ExitStoreConnect},
		{"store lost", fmt.Errorf("%w: gave up", bridge.ErrStoreUnavailable), ExitStoreConnect},
		{"flush", &bridge.FlushTimeoutError{Grace: time.Second, Unflushed: []uint64{3}}, ExitFlushTimeout},
		{"wrapped flush", fmt.Errorf("run: %w", &bridge.FlushTimeoutError{}), ExitFlushTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func writeConfig(t *testing.T, dsn string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mqtt2pg.yaml")
	content := fmt.Sprintf(`
brokerAddress: 127.0.0.1
brokerPort: 1
storeDriver: sqlite
storeConnectionString: %q
reconnectMaxAttempts: 1
metrics:
  enabled: false
topicTableMap:
  temperature:
    table: temperature
    columns:
      - name: value
        type: float
`, dsn)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunExitCodes(t *testing.T) {
	t.Run("missing config file", func(t *testing.T) {
		code := execute(rootCmd, []string{"run", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
		assert.Equal(t, ExitConfig, code)
	})

	t.Run("unknown flag", func(t *testing.T) {
		assert.Equal(t, ExitConfig, execute(rootCmd, []string{"run", "--nope"}))
	})

	t.Run("store unreachable", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "missing", "dir", "bridge.db")
		code := execute(rootCmd, []string{"run", "--config", writeConfig(t, dsn)})
		assert.Equal(t, ExitStoreConnect, code)
	})

	t.Run("broker unreachable", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "bridge.db")
		code := execute(rootCmd, []string{"run", "--config", writeConfig(t, dsn)})
		assert.Equal(t, ExitBusConnect, code)
	})
}
