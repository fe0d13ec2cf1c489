package waldb

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// TransactionKind selects the BEGIN mode used by DatabasePool.write and
// DatabaseQueue.write.
type TransactionKind int

const (
	TransactionDeferred TransactionKind = iota
	TransactionImmediate
	TransactionExclusive
)

func (k TransactionKind) beginSQL() string {
	switch k {
	case TransactionImmediate:
		return "BEGIN IMMEDIATE"
	case TransactionExclusive:
		return "BEGIN EXCLUSIVE"
	default:
		return "BEGIN DEFERRED"
	}
}

func (k TransactionKind) String() string {
	switch k {
	case TransactionImmediate:
		return "immediate"
	case TransactionExclusive:
		return "exclusive"
	default:
		return "deferred"
	}
}

// BusyMode selects how a connection reacts to SQLITE_BUSY (another
// connection holding the write lock).
type BusyMode struct {
	// Kind is one of "immediate", "timeout", "callback".
	Kind string
	// Timeout is used when Kind == "timeout".
	Timeout time.Duration
	// Callback is used when Kind == "callback"; it receives the number of
	// prior retries and returns whether to retry again.
	Callback func(retries int) bool
}

// BusyImmediate fails a busy statement immediately with SQLITE_BUSY.
func BusyImmediate() BusyMode { return BusyMode{Kind: "immediate"} }

// BusyTimeout retries a busy statement for up to d before failing.
func BusyTimeout(d time.Duration) BusyMode { return BusyMode{Kind: "timeout", Timeout: d} }

// BusyCallback invokes fn on every SQLITE_BUSY, retrying while it returns
// true. Not supported by this module's engine: modernc.org/sqlite installs
// no per-connection busy-handler callback through database/sql, so
// OpenPool/OpenQueue reject a Config carrying this mode with
// KindNotSupported rather than silently falling back to immediate-error.
func BusyCallback(fn func(retries int) bool) BusyMode { return BusyMode{Kind: "callback", Callback: fn} }

// PrepareHook runs once on every freshly opened connection, on that
// connection's own serial executor, before the connection is handed to
// application code. Hooks run in registration order; the first error
// aborts the chain and the connection is closed (spec.md §9 open
// question: re-opening afterwards is the caller's responsibility).
type PrepareHook func(conn Connection) error

// Config holds the immutable-after-open knobs for a DatabaseQueue or
// DatabasePool, mirroring spec.md §3.
type Config struct {
	// Path is the database file path, or ":memory:" for a private
	// in-memory database (WAL mode is then unavailable; see OpenPool).
	Path string `env:"WALDB_PATH" default:"./database.db"`

	ReadOnly           bool `env:"WALDB_READ_ONLY" default:"false"`
	ForeignKeysEnabled bool `env:"WALDB_FOREIGN_KEYS" default:"true"`
	// AcceptsDoubleQuotedStringLiterals is rejected with KindNotSupported at
	// open time: legacy double-quoted-string acceptance is a
	// sqlite3_db_config flag, not a PRAGMA, and modernc.org/sqlite exposes
	// no equivalent through database/sql. See engine_sqlite.go.
	AcceptsDoubleQuotedStringLiterals bool            `env:"WALDB_LEGACY_DQ_STRINGS" default:"false"`
	DefaultTransactionKind            TransactionKind `env:"-"`
	BusyMode                         BusyMode        `env:"-"`
	MaxReaderCount                   int             `env:"WALDB_MAX_READERS" default:"5"`
	Label                            string          `env:"WALDB_LABEL" default:""`
	AllowsUnsafeTransactions          bool            `env:"WALDB_ALLOW_UNSAFE_TX" default:"false"`
	ObservesSuspension                bool            `env:"WALDB_OBSERVES_SUSPENSION" default:"false"`
	QoS                               string          `env:"WALDB_QOS" default:"default"`
	TargetExecutor                    string          `env:"WALDB_TARGET_EXECUTOR" default:""`
	WriterTargetExecutor              string          `env:"WALDB_WRITER_TARGET_EXECUTOR" default:""`

	// PrepareHooks run, in order, on every freshly opened connection.
	PrepareHooks []PrepareHook
}

// DefaultConfig returns the configuration spec.md §3 describes as defaults:
// max-reader-count 5, deferred transactions, a short busy timeout.
func DefaultConfig(path string) Config {
	return Config{
		Path:                   path,
		ForeignKeysEnabled:     true,
		DefaultTransactionKind: TransactionDeferred,
		BusyMode:               BusyTimeout(5 * time.Second),
		MaxReaderCount:         5,
	}
}

// LoadConfigFromEnv loads the subset of Config that has an environment
// mapping, following the teacher's getEnvWithDefault idiom; fields without
// an env mapping (PrepareHooks, DefaultTransactionKind, BusyMode) keep
// DefaultConfig's values and must be set by the caller afterwards.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig(getEnvWithDefault("WALDB_PATH", "./database.db"))
	cfg.ReadOnly = getEnvBoolWithDefault("WALDB_READ_ONLY", false)
	cfg.ForeignKeysEnabled = getEnvBoolWithDefault("WALDB_FOREIGN_KEYS", true)
	cfg.AcceptsDoubleQuotedStringLiterals = getEnvBoolWithDefault("WALDB_LEGACY_DQ_STRINGS", false)
	cfg.MaxReaderCount = getEnvIntWithDefault("WALDB_MAX_READERS", 5)
	cfg.Label = getEnvWithDefault("WALDB_LABEL", "")
	cfg.AllowsUnsafeTransactions = getEnvBoolWithDefault("WALDB_ALLOW_UNSAFE_TX", false)
	cfg.ObservesSuspension = getEnvBoolWithDefault("WALDB_OBSERVES_SUSPENSION", false)
	cfg.QoS = getEnvWithDefault("WALDB_QOS", "default")
	cfg.TargetExecutor = getEnvWithDefault("WALDB_TARGET_EXECUTOR", "")
	cfg.WriterTargetExecutor = getEnvWithDefault("WALDB_WRITER_TARGET_EXECUTOR", "")
	return cfg
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultValue
}
