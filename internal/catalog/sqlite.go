package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"

	schemaVersion = 1
)

// SQLiteStore implements Store on a single SQLite database. The same
// database also hosts the replication task queue.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the catalog database at path and
// initializes the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(path))
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// withPragmas attaches per-connection pragmas to the DSN so every pooled
// connection enforces foreign keys and waits on locks.
func withPragmas(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// DB exposes the underlying handle for the task queue and catalog export.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS buckets (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			name            TEXT NOT NULL UNIQUE,
			owner           TEXT NOT NULL,
			region          TEXT NOT NULL,
			permission      TEXT NOT NULL DEFAULT 'private',
			version_control INTEGER NOT NULL DEFAULT 0,
			backup          INTEGER NOT NULL DEFAULT 0,
			read_only       INTEGER NOT NULL DEFAULT 0,
			pid             INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_buckets_owner ON buckets(owner);
		CREATE INDEX IF NOT EXISTS idx_buckets_pid ON buckets(pid);

		CREATE TABLE IF NOT EXISTS objects (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket_id   INTEGER NOT NULL,
			type        TEXT NOT NULL DEFAULT 'file',
			name        TEXT NOT NULL,
			root        TEXT NOT NULL DEFAULT '',
			key         TEXT NOT NULL,
			file_size   INTEGER NOT NULL DEFAULT 0,
			md5         TEXT NOT NULL DEFAULT '',
			etag        TEXT NOT NULL DEFAULT '',
			version_id  TEXT NOT NULL DEFAULT '',
			permission  TEXT NOT NULL DEFAULT 'private',
			owner       TEXT NOT NULL,
			uploaded_at TEXT NOT NULL,

			UNIQUE (bucket_id, owner, key, version_id),
			FOREIGN KEY (bucket_id) REFERENCES buckets(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_objects_bucket_root ON objects(bucket_id, root);
		CREATE INDEX IF NOT EXISTS idx_objects_bucket_key ON objects(bucket_id, key);

		CREATE TABLE IF NOT EXISTS bucket_grants (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			resource_id INTEGER NOT NULL,
			grantee     TEXT NOT NULL,
			permission  TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			UNIQUE (resource_id, grantee),
			FOREIGN KEY (resource_id) REFERENCES buckets(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS object_grants (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			resource_id INTEGER NOT NULL,
			grantee     TEXT NOT NULL,
			permission  TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			UNIQUE (resource_id, grantee),
			FOREIGN KEY (resource_id) REFERENCES objects(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_bucket_grants_grantee ON bucket_grants(grantee);

		CREATE TABLE IF NOT EXISTS principals (
			username   TEXT PRIMARY KEY,
			parent_uid TEXT NOT NULL DEFAULT '',
			root_uid   TEXT NOT NULL DEFAULT '',
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS quotas (
			owner         TEXT NOT NULL,
			kind          TEXT NOT NULL,
			value         INTEGER NOT NULL,
			start_time    TEXT NOT NULL,
			duration_days INTEGER NOT NULL,

			PRIMARY KEY (owner, kind)
		);

		CREATE TABLE IF NOT EXISTS access_keys (
			access_key TEXT PRIMARY KEY,
			secret_key TEXT NOT NULL,
			owner      TEXT NOT NULL,
			allow_ip   TEXT NOT NULL DEFAULT '*',
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		schemaVersion, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func isUnique(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// ---- Bucket operations ----

const bucketColumns = `id, name, owner, region, permission, version_control, backup, read_only, pid, created_at`

func scanBucket(sc scanner) (*BucketRecord, error) {
	var b BucketRecord
	var perm, createdAt string
	err := sc.Scan(&b.ID, &b.Name, &b.Owner, &b.Region, &perm,
		&b.VersionControl, &b.Backup, &b.ReadOnly, &b.PID, &createdAt)
	if err != nil {
		return nil, err
	}
	b.Permission = Permission(perm)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// CreateBucket inserts the bucket and sets b.ID.
func (s *SQLiteStore) CreateBucket(ctx context.Context, b *BucketRecord) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, owner, region, permission, version_control, backup, read_only, pid, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Name, b.Owner, b.Region, string(b.Permission),
		b.VersionControl, b.Backup, b.ReadOnly, b.PID, formatTime(b.CreatedAt),
	)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("%w: bucket %s", ErrConflict, b.Name)
		}
		return fmt.Errorf("creating bucket %q: %w", b.Name, err)
	}
	b.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading bucket id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getBucketWhere(ctx context.Context, where string, arg any) (*BucketRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE `+where+` LIMIT 1`, arg)
	b, err := scanBucket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting bucket (%s %v): %w", where, arg, err)
	}
	return b, nil
}

// GetBucket retrieves a bucket by name.
func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	return s.getBucketWhere(ctx, "name = ?", name)
}

// GetBucketByID retrieves a bucket by id.
func (s *SQLiteStore) GetBucketByID(ctx context.Context, id int64) (*BucketRecord, error) {
	return s.getBucketWhere(ctx, "id = ?", id)
}

// GetBackupBucket returns the mirror of the bucket with the given id.
func (s *SQLiteStore) GetBackupBucket(ctx context.Context, sourceID int64) (*BucketRecord, error) {
	if sourceID <= 0 {
		return nil, nil
	}
	return s.getBucketWhere(ctx, "pid = ?", sourceID)
}

// ListBuckets returns owned and granted buckets, newest first. Backup
// buckets are never listed.
func (s *SQLiteStore) ListBuckets(ctx context.Context, owner string, page Page) ([]BucketRecord, int, error) {
	page = page.Normalize()
	const where = `pid = 0 AND (owner = ? OR id IN (SELECT resource_id FROM bucket_grants WHERE grantee = ?))`

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buckets WHERE `+where, owner, owner,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting buckets: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE `+where+`
		 ORDER BY id DESC LIMIT ? OFFSET ?`,
		owner, owner, page.Size, page.offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing buckets: %w", err)
	}
	buckets, err := collectBuckets(rows)
	return buckets, total, err
}

// ListBackedUpBuckets returns every source bucket with backup enabled.
func (s *SQLiteStore) ListBackedUpBuckets(ctx context.Context) ([]BucketRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE backup = 1 AND pid = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing backed up buckets: %w", err)
	}
	return collectBuckets(rows)
}

func collectBuckets(rows *sql.Rows) ([]BucketRecord, error) {
	defer rows.Close()
	var buckets []BucketRecord
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		buckets = append(buckets, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bucket rows: %w", err)
	}
	return buckets, nil
}

// UpdateBucket writes the mutable fields of b.
func (s *SQLiteStore) UpdateBucket(ctx context.Context, b *BucketRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET permission = ?, version_control = ?, backup = ?, read_only = ?, pid = ?
		 WHERE id = ?`,
		string(b.Permission), b.VersionControl, b.Backup, b.ReadOnly, b.PID, b.ID,
	)
	if err != nil {
		return fmt.Errorf("updating bucket %q: %w", b.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bucket not found: %d", b.ID)
	}
	return nil
}

// DeleteBucket removes the bucket row. Remaining object rows and grants are
// removed by the foreign key cascade.
func (s *SQLiteStore) DeleteBucket(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting bucket %d: %w", id, err)
	}
	return nil
}

// ---- Object operations ----

const objectColumns = `id, bucket_id, type, name, root, key, file_size, md5, etag, version_id, permission, owner, uploaded_at`

func scanObject(sc scanner) (*ObjectRecord, error) {
	var o ObjectRecord
	var typ, perm, uploadedAt string
	err := sc.Scan(&o.ID, &o.BucketID, &typ, &o.Name, &o.Root, &o.Key, &o.FileSize,
		&o.MD5, &o.ETag, &o.VersionID, &perm, &o.Owner, &uploadedAt)
	if err != nil {
		return nil, err
	}
	o.Type = ObjectType(typ)
	o.Permission = Permission(perm)
	o.UploadedAt = parseTime(uploadedAt)
	return &o, nil
}

func collectObjects(rows *sql.Rows) ([]ObjectRecord, error) {
	defer rows.Close()
	var objects []ObjectRecord
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		objects = append(objects, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating object rows: %w", err)
	}
	return objects, nil
}

// CreateObject inserts o and sets o.ID.
func (s *SQLiteStore) CreateObject(ctx context.Context, o *ObjectRecord) error {
	if o.UploadedAt.IsZero() {
		o.UploadedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	if o.Type == "" {
		o.Type = TypeFile
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO objects (bucket_id, type, name, root, key, file_size, md5, etag, version_id, permission, owner, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.BucketID, string(o.Type), o.Name, o.Root, o.Key, o.FileSize, o.MD5, o.ETag,
		o.VersionID, string(o.Permission), o.Owner, formatTime(o.UploadedAt),
	)
	if err != nil {
		if isUnique(err) {
			return fmt.Errorf("%w: object %s", ErrConflict, o.Key)
		}
		return fmt.Errorf("creating object %q: %w", o.Key, err)
	}
	o.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading object id: %w", err)
	}
	return nil
}

// UpsertObject updates the row matching (bucket_id, owner, key, version_id)
// or inserts a new one.
func (s *SQLiteStore) UpsertObject(ctx context.Context, o *ObjectRecord) (bool, error) {
	if o.UploadedAt.IsZero() {
		o.UploadedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	if o.Type == "" {
		o.Type = TypeFile
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM objects WHERE bucket_id = ? AND owner = ? AND key = ? AND version_id = ?`,
		o.BucketID, o.Owner, o.Key, o.VersionID,
	).Scan(&id)

	created := false
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO objects (bucket_id, type, name, root, key, file_size, md5, etag, version_id, permission, owner, uploaded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.BucketID, string(o.Type), o.Name, o.Root, o.Key, o.FileSize, o.MD5, o.ETag,
			o.VersionID, string(o.Permission), o.Owner, formatTime(o.UploadedAt),
		)
		if err != nil {
			return false, fmt.Errorf("inserting object %q: %w", o.Key, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return false, fmt.Errorf("reading object id: %w", err)
		}
		created = true
	case err != nil:
		return false, fmt.Errorf("looking up object %q: %w", o.Key, err)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE objects SET type = ?, name = ?, root = ?, file_size = ?, md5 = ?, etag = ?,
			 permission = ?, uploaded_at = ? WHERE id = ?`,
			string(o.Type), o.Name, o.Root, o.FileSize, o.MD5, o.ETag,
			string(o.Permission), formatTime(o.UploadedAt), id,
		)
		if err != nil {
			return false, fmt.Errorf("updating object %q: %w", o.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing object %q: %w", o.Key, err)
	}
	o.ID = id
	return created, nil
}

// GetObject returns the newest row for key.
func (s *SQLiteStore) GetObject(ctx context.Context, bucketID int64, key string) (*ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket_id = ? AND key = ?
		 ORDER BY id DESC LIMIT 1`,
		bucketID, key,
	)
	o, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}
	return o, nil
}

// GetObjectByID returns the row with the given id.
func (s *SQLiteStore) GetObjectByID(ctx context.Context, id int64) (*ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE id = ?`, id)
	o, err := scanObject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %d: %w", id, err)
	}
	return o, nil
}

// ListObjects lists the entries whose root equals root. Directories sort
// before files; within a type the newest row comes first.
func (s *SQLiteStore) ListObjects(ctx context.Context, bucketID int64, root string, page Page) ([]ObjectRecord, int, error) {
	page = page.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE bucket_id = ? AND root = ?`, bucketID, root,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting objects: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket_id = ? AND root = ?
		 ORDER BY type ASC, id DESC LIMIT ? OFFSET ?`,
		bucketID, root, page.Size, page.offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing objects: %w", err)
	}
	objects, err := collectObjects(rows)
	return objects, total, err
}

// ListObjectsByPrefix returns every object of owner whose root begins with
// rootPrefix. substr is used instead of LIKE so names containing % or _
// match literally.
func (s *SQLiteStore) ListObjectsByPrefix(ctx context.Context, bucketID int64, owner, rootPrefix string) ([]ObjectRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectColumns+` FROM objects
		 WHERE bucket_id = ? AND owner = ? AND substr(root, 1, length(?)) = ?
		 ORDER BY id`,
		bucketID, owner, rootPrefix, rootPrefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing objects under %q: %w", rootPrefix, err)
	}
	return collectObjects(rows)
}

// ListObjectsByKey returns all rows stored under key.
func (s *SQLiteStore) ListObjectsByKey(ctx context.Context, bucketID int64, key string) ([]ObjectRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket_id = ? AND key = ? ORDER BY id`,
		bucketID, key,
	)
	if err != nil {
		return nil, fmt.Errorf("listing objects for key %q: %w", key, err)
	}
	return collectObjects(rows)
}

// ListAllObjects returns every row of the bucket.
func (s *SQLiteStore) ListAllObjects(ctx context.Context, bucketID int64) ([]ObjectRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket_id = ? ORDER BY id`, bucketID)
	if err != nil {
		return nil, fmt.Errorf("listing objects of bucket %d: %w", bucketID, err)
	}
	return collectObjects(rows)
}

// UpdateObjectPermission sets the visibility of one object row.
func (s *SQLiteStore) UpdateObjectPermission(ctx context.Context, id int64, perm Permission) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET permission = ? WHERE id = ?`, string(perm), id)
	if err != nil {
		return fmt.Errorf("updating object %d permission: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("object not found: %d", id)
	}
	return nil
}

// DeleteObject removes one object row and its grants.
func (s *SQLiteStore) DeleteObject(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting object %d: %w", id, err)
	}
	return nil
}

// ---- Grant operations ----

func grantTable(scope GrantScope) (string, error) {
	switch scope {
	case ScopeBucket:
		return "bucket_grants", nil
	case ScopeObject:
		return "object_grants", nil
	}
	return "", fmt.Errorf("unknown grant scope %q", scope)
}

func scanGrant(sc scanner) (*GrantRecord, error) {
	var g GrantRecord
	var perm, createdAt string
	if err := sc.Scan(&g.ID, &g.ResourceID, &g.Grantee, &perm, &createdAt); err != nil {
		return nil, err
	}
	g.Permission = GrantPermission(perm)
	g.CreatedAt = parseTime(createdAt)
	return &g, nil
}

// PutGrant creates or updates the grant for (resource, grantee).
func (s *SQLiteStore) PutGrant(ctx context.Context, scope GrantScope, g *GrantRecord) error {
	table, err := grantTable(scope)
	if err != nil {
		return err
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO `+table+` (resource_id, grantee, permission, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(resource_id, grantee) DO UPDATE SET permission = excluded.permission
		 RETURNING id`,
		g.ResourceID, g.Grantee, string(g.Permission), formatTime(g.CreatedAt),
	)
	if err := row.Scan(&g.ID); err != nil {
		return fmt.Errorf("putting %s grant for %q: %w", scope, g.Grantee, err)
	}
	return nil
}

// GetGrant returns the grant with the given id.
func (s *SQLiteStore) GetGrant(ctx context.Context, scope GrantScope, id int64) (*GrantRecord, error) {
	table, err := grantTable(scope)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, resource_id, grantee, permission, created_at FROM `+table+` WHERE id = ?`, id)
	g, err := scanGrant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s grant %d: %w", scope, id, err)
	}
	return g, nil
}

// ListGrants returns the grants on one resource.
func (s *SQLiteStore) ListGrants(ctx context.Context, scope GrantScope, resourceID int64) ([]GrantRecord, error) {
	table, err := grantTable(scope)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, resource_id, grantee, permission, created_at FROM `+table+`
		 WHERE resource_id = ? ORDER BY id`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("listing %s grants: %w", scope, err)
	}
	defer rows.Close()

	var grants []GrantRecord
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning grant row: %w", err)
		}
		grants = append(grants, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating grant rows: %w", err)
	}
	return grants, nil
}

// DeleteGrant removes a grant by id.
func (s *SQLiteStore) DeleteGrant(ctx context.Context, scope GrantScope, id int64) error {
	table, err := grantTable(scope)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting %s grant %d: %w", scope, id, err)
	}
	return nil
}

// ---- Identity operations ----

// GetPrincipal returns a principal by username.
func (s *SQLiteStore) GetPrincipal(ctx context.Context, username string) (*PrincipalRecord, error) {
	var p PrincipalRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT username, parent_uid, root_uid, active, created_at FROM principals WHERE username = ?`,
		username,
	).Scan(&p.Username, &p.ParentUID, &p.RootUID, &p.Active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting principal %q: %w", username, err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// PutPrincipal creates or replaces a principal.
func (s *SQLiteStore) PutPrincipal(ctx context.Context, p *PrincipalRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO principals (username, parent_uid, root_uid, active, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.Username, p.ParentUID, p.RootUID, p.Active, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("putting principal %q: %w", p.Username, err)
	}
	return nil
}

// GetQuota returns the quota of the given kind for owner.
func (s *SQLiteStore) GetQuota(ctx context.Context, owner string, kind QuotaKind) (*QuotaRecord, error) {
	q := QuotaRecord{Owner: owner, Kind: kind}
	var start string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, start_time, duration_days FROM quotas WHERE owner = ? AND kind = ?`,
		owner, string(kind),
	).Scan(&q.Value, &start, &q.DurationDays)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s quota for %q: %w", kind, owner, err)
	}
	q.StartTime = parseTime(start)
	return &q, nil
}

// PutQuota creates or replaces a quota.
func (s *SQLiteStore) PutQuota(ctx context.Context, q *QuotaRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO quotas (owner, kind, value, start_time, duration_days)
		 VALUES (?, ?, ?, ?, ?)`,
		q.Owner, string(q.Kind), q.Value, formatTime(q.StartTime), q.DurationDays,
	)
	if err != nil {
		return fmt.Errorf("putting %s quota for %q: %w", q.Kind, q.Owner, err)
	}
	return nil
}

// GetAccessKey returns an access key record.
func (s *SQLiteStore) GetAccessKey(ctx context.Context, accessKey string) (*AccessKeyRecord, error) {
	var k AccessKeyRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT access_key, secret_key, owner, allow_ip, active, created_at
		 FROM access_keys WHERE access_key = ?`,
		accessKey,
	).Scan(&k.AccessKey, &k.SecretKey, &k.Owner, &k.AllowIP, &k.Active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting access key: %w", err)
	}
	k.CreatedAt = parseTime(createdAt)
	return &k, nil
}

// PutAccessKey creates or replaces an access key.
func (s *SQLiteStore) PutAccessKey(ctx context.Context, k *AccessKeyRecord) error {
	allow := k.AllowIP
	if allow == "" {
		allow = "*"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO access_keys (access_key, secret_key, owner, allow_ip, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		k.AccessKey, k.SecretKey, k.Owner, allow, k.Active, formatTime(k.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("putting access key for %q: %w", k.Owner, err)
	}
	return nil
}
