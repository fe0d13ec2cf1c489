package waldb

import (
	"context"
	"sync"

	"waldb/internal/watchdog"
)

// SchemaCache is the shared, guarded structure spec.md §5 describes:
// entries a reader observes about the schema are merged back into it on
// release rather than locked per statement. The module treats entries as
// opaque key/value pairs; schema introspection itself is out of scope.
type SchemaCache struct {
	mu      sync.Mutex
	entries map[string]any
}

func newSchemaCache() *SchemaCache {
	return &SchemaCache{entries: make(map[string]any)}
}

func (c *SchemaCache) merge(local map[string]any) {
	if len(local) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range local {
		c.entries[k] = v
	}
}

// Snapshot returns a point-in-time copy of the cache's entries.
func (c *SchemaCache) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// SnapshotToken is the lightweight handle of spec.md §4.6: a pinning
// read-only connection holding an open BEGIN DEFERRED transaction, the
// schema version observed at capture, and a view onto the pool's shared
// schema cache. While any SnapshotToken is outstanding, DatabasePool must
// not run a truncating checkpoint.
type SnapshotToken struct {
	pool          *DatabasePool
	pinner        *SerializedConnection
	schemaVersion int64
	shared        *SchemaCache

	mu       sync.Mutex
	observed map[string]any
	released bool
}

// CurrentSnapshotToken implements spec.md §4.6's currentSnapshotToken().
// It is a fatal programmer error to call this from within an open
// transaction on the writer's own executor: the token would otherwise
// capture a half-committed state of uncertain semantics.
func (p *DatabasePool) CurrentSnapshotToken(ctx context.Context) (*SnapshotToken, error) {
	if watchdog.PreconditionAllowed(ctx, p.writer) && p.writer.rawConn().InTransaction() {
		fatal("waldb: currentSnapshotToken called from within an open writer transaction")
	}

	label := p.cfg.Label
	if label != "" {
		label = label + ".snapshot_token"
	}
	pinner, err := openSerializedConnection(ctx, label, p.cfg.Path, func(ctx context.Context) (Connection, error) {
		return openEngineConn(ctx, sqliteOpenOptions{
			path:               p.cfg.Path,
			readOnly:           true,
			queryOnly:          true,
			foreignKeys:        p.cfg.ForeignKeysEnabled,
			legacyDoubleQuoted: p.cfg.AcceptsDoubleQuotedStringLiterals,
			busy:               p.cfg.BusyMode,
			label:              label,
		})
	}, p.cfg.PrepareHooks, true) // pinner deliberately holds a transaction open for its whole life
	if err != nil {
		return nil, err
	}

	if err := pinner.Sync(ctx, func(ctx context.Context, conn Connection) error {
		if err := conn.Begin(ctx, TransactionDeferred); err != nil {
			return err
		}
		// Force the engine to acquire its WAL read snapshot now, rather
		// than lazily on the first real statement a caller issues. The
		// statement must read a table: SELECT 1 touches no page and would
		// leave the snapshot unpinned.
		_, err := conn.ExecContext(ctx, "SELECT rootpage FROM sqlite_master LIMIT 1")
		return err
	}); err != nil {
		pinner.Close()
		return nil, err
	}

	schemaVersion, err := SyncValue(pinner, ctx, func(ctx context.Context, conn Connection) (int64, error) {
		return conn.SchemaVersion(ctx)
	})
	if err != nil {
		pinner.Close()
		return nil, err
	}

	p.outstandingSnapshots.Add(1)
	p.log.Snapshot("snapshot token captured", "schema_version", schemaVersion)

	return &SnapshotToken{
		pool:          p,
		pinner:        pinner,
		schemaVersion: schemaVersion,
		shared:        p.sharedSchemaCache(),
		observed:      make(map[string]any),
	}, nil
}

// SchemaVersion reports the schema_version observed when the token was
// captured.
func (t *SnapshotToken) SchemaVersion() int64 { return t.schemaVersion }

// Observe records a schema-cache entry local to this token; it is merged
// into the pool's shared cache on Release.
func (t *SnapshotToken) Observe(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed[key] = value
}

// Read implements spec.md §4.6's read(from: token, body): body runs
// against the token's own pinning connection, which already has the
// target snapshot pinned by its open transaction. This substitutes for
// the source's snapshot_open onto an arbitrary pool reader, which the
// pure-Go engine backing this module does not expose; see the design
// notes for the tradeoff this implies for reader-pool parallelism.
func (t *SnapshotToken) Read(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	t.mu.Lock()
	released := t.released
	t.mu.Unlock()
	if released {
		fatal("waldb: read from a released SnapshotToken")
	}
	return t.pinner.ReentrantSync(ctx, body)
}

// Release ends the pinned transaction, closes the pinner connection,
// merges this token's observed schema entries into the shared cache, and
// decrements the pool's outstanding-token count. Safe to call once; a
// second call is a no-op.
func (t *SnapshotToken) Release() error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return nil
	}
	t.released = true
	observed := t.observed
	t.mu.Unlock()

	t.shared.merge(observed)
	t.pool.outstandingSnapshots.Add(-1)
	t.pool.log.Snapshot("snapshot token released", "schema_version", t.schemaVersion)
	return t.pinner.Close()
}

// Snapshot is the heavier, dedicated-connection view of spec.md §4.6: a
// read-only SerializedConnection that begins a deferred transaction and
// immediately reads from sqlite_master, so every subsequent read on it
// observes the state at creation until it is released.
type Snapshot struct {
	pool *DatabasePool
	conn *SerializedConnection

	mu       sync.Mutex
	released bool
}

// MakeSnapshot opens a dedicated read-only connection pinned to the
// current state.
func (p *DatabasePool) MakeSnapshot(ctx context.Context) (*Snapshot, error) {
	label := p.cfg.Label
	if label != "" {
		label = label + ".snapshot"
	}
	conn, err := openSerializedConnection(ctx, label, p.cfg.Path, func(ctx context.Context) (Connection, error) {
		return openEngineConn(ctx, sqliteOpenOptions{
			path:               p.cfg.Path,
			readOnly:           true,
			queryOnly:          true,
			foreignKeys:        p.cfg.ForeignKeysEnabled,
			legacyDoubleQuoted: p.cfg.AcceptsDoubleQuotedStringLiterals,
			busy:               p.cfg.BusyMode,
			label:              label,
		})
	}, p.cfg.PrepareHooks, true)
	if err != nil {
		return nil, err
	}

	if err := conn.Sync(ctx, func(ctx context.Context, conn Connection) error {
		if err := conn.Begin(ctx, TransactionDeferred); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, "SELECT rootpage FROM sqlite_master LIMIT 1")
		return err
	}); err != nil {
		conn.Close()
		return nil, err
	}

	p.outstandingSnapshots.Add(1)
	return &Snapshot{pool: p, conn: conn}, nil
}

// Read runs body against the snapshot's pinned connection.
func (s *Snapshot) Read(ctx context.Context, body func(ctx context.Context, conn Connection) error) error {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		fatal("waldb: read from a released Snapshot")
	}
	return s.conn.ReentrantSync(ctx, body)
}

// Release closes the snapshot's connection without ever committing its
// transaction (closing mid-transaction discards it, which is the desired
// behavior — the snapshot is never meant to persist any writes, and it
// never performs any).
func (s *Snapshot) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.mu.Unlock()

	s.pool.outstandingSnapshots.Add(-1)
	return s.conn.Close()
}

func (p *DatabasePool) sharedSchemaCache() *SchemaCache {
	p.schemaCacheOnce.Do(func() {
		p.schemaCache = newSchemaCache()
	})
	return p.schemaCache
}
