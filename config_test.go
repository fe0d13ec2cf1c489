package waldb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig("./test.db")

	assert.Equal(t, "./test.db", cfg.Path)
	assert.True(t, cfg.ForeignKeysEnabled)
	assert.Equal(t, TransactionDeferred, cfg.DefaultTransactionKind)
	assert.Equal(t, "timeout", cfg.BusyMode.Kind)
	assert.Equal(t, 5*time.Second, cfg.BusyMode.Timeout)
	assert.Equal(t, 5, cfg.MaxReaderCount)
}

func TestTransactionKind_BeginSQL(t *testing.T) {
	assert.Equal(t, "BEGIN DEFERRED", TransactionDeferred.beginSQL())
	assert.Equal(t, "BEGIN IMMEDIATE", TransactionImmediate.beginSQL())
	assert.Equal(t, "BEGIN EXCLUSIVE", TransactionExclusive.beginSQL())
}

func TestTransactionKind_String(t *testing.T) {
	assert.Equal(t, "deferred", TransactionDeferred.String())
	assert.Equal(t, "immediate", TransactionImmediate.String())
	assert.Equal(t, "exclusive", TransactionExclusive.String())
}

func TestBusyModeConstructors(t *testing.T) {
	assert.Equal(t, "immediate", BusyImmediate().Kind)

	tm := BusyTimeout(3 * time.Second)
	assert.Equal(t, "timeout", tm.Kind)
	assert.Equal(t, 3*time.Second, tm.Timeout)

	called := 0
	cb := BusyCallback(func(retries int) bool {
		called = retries
		return retries < 3
	})
	assert.Equal(t, "callback", cb.Kind)
	assert.True(t, cb.Callback(2))
	assert.Equal(t, 2, called)
}

func TestGetEnvHelpers_FallBackToDefault(t *testing.T) {
	assert.Equal(t, "fallback", getEnvWithDefault("WALDB_TEST_UNSET_STRING", "fallback"))
	assert.Equal(t, 42, getEnvIntWithDefault("WALDB_TEST_UNSET_INT", 42))
	assert.Equal(t, true, getEnvBoolWithDefault("WALDB_TEST_UNSET_BOOL", true))
}

func TestGetEnvHelpers_ReadPresentValues(t *testing.T) {
	t.Setenv("WALDB_TEST_STRING", "custom")
	t.Setenv("WALDB_TEST_INT", "7")
	t.Setenv("WALDB_TEST_BOOL", "false")

	assert.Equal(t, "custom", getEnvWithDefault("WALDB_TEST_STRING", "fallback"))
	assert.Equal(t, 7, getEnvIntWithDefault("WALDB_TEST_INT", 42))
	assert.Equal(t, false, getEnvBoolWithDefault("WALDB_TEST_BOOL", true))
}

func TestGetEnvIntWithDefault_IgnoresUnparseable(t *testing.T) {
	t.Setenv("WALDB_TEST_BAD_INT", "not-a-number")

	assert.Equal(t, 10, getEnvIntWithDefault("WALDB_TEST_BAD_INT", 10))
}
