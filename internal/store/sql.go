package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// DB is the subset of *sql.DB used by SQLStore.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      DB
	closer  func() error
	dialect Dialect
}

const buildColumns = `id, configuration_id, revision, build_class, status, forced, submit_time,
	start_time, end_time, result_time, dependency_closure, dependencies, dependency_revisions,
	no_rebuild_cause, message`

const groupColumns = `id, group_configuration_id, build_class, status, forced, start_time, end_time`

// Open connects to driver ("sqlite" or "postgres") and ensures the schema.
// For sqlite, dsn is a file path or ":memory:".
func Open(ctx context.Context, driver Dialect, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DialectSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			// modernc serializes writers; one connection avoids SQLITE_BUSY
			// and keeps ":memory:" databases shared.
			db.SetMaxOpenConns(1)
		}
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, errors.ConfigError("unsupported store driver").WithContext("driver", string(driver)).Build()
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "open database").
			WithContext("driver", string(driver)).
			Build()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapError(err, errors.CategoryStore, "ping database").
			WithContext("driver", string(driver)).
			Retryable().
			Build()
	}
	s := NewSQLStore(db, driver)
	s.closer = db.Close
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing handle. Call Migrate before use.
func NewSQLStore(db DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates tables and indexes if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapError(err, errors.CategoryStore, "initialize schema").Fatal().Build()
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string { return rebind(s.dialect, query) }

func (s *SQLStore) CreateBuild(ctx context.Context, rec *model.BuildRecord) (*model.BuildRecord, error) {
	if err := validateCreate(rec); err != nil {
		return nil, err
	}
	deps, err := json.Marshal(nonNilSlice(rec.Dependencies))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryInternal, "encode dependencies").Build()
	}
	depRevs, err := json.Marshal(nonNilMap(rec.DependencyRevisions))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryInternal, "encode dependency revisions").Build()
	}

	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO build_records (`+buildColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		rec.ID, rec.ConfigurationID, rec.Revision, string(rec.Class), string(rec.Status), boolInt(rec.Forced),
		rec.SubmitTime.UnixNano(), nullNanos(rec.StartTime), nullNanos(rec.EndTime), nullNanos(rec.ResultTime),
		nullNanos(rec.DependencyClosure), string(deps), string(depRevs), rec.NoRebuildCause, rec.Message,
	)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "insert build record").
			WithContext("build_id", rec.ID).
			Retryable().
			Build()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "insert build record").Build()
	}
	if n == 1 {
		return rec.Clone(), nil
	}

	// Nothing inserted: either the id collided or the key is held.
	if _, gerr := s.GetBuild(ctx, rec.ID); gerr == nil {
		return nil, ErrDuplicateID.WithContext("build_id", rec.ID)
	}
	holder, aerr := s.ActiveForKey(ctx, rec.Key())
	if aerr != nil {
		return nil, aerr
	}
	if holder == nil {
		// The holder settled between our insert and the lookup; the
		// caller may retry.
		return nil, ErrActiveRecordExists.WithContext("key", rec.Key().String())
	}
	return holder, ErrActiveRecordExists.WithContext("key", rec.Key().String())
}

func (s *SQLStore) GetBuild(ctx context.Context, id string) (*model.BuildRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+buildColumns+` FROM build_records WHERE id = ?`), id)
	rec, err := scanBuild(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.WithContext("build_id", id)
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "get build record").WithContext("build_id", id).Build()
	}
	return rec, nil
}

func (s *SQLStore) CompareAndSetStatus(ctx context.Context, id string, tr Transition) (*model.BuildRecord, bool, error) {
	current, err := s.GetBuild(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.Status != tr.From {
		return current, false, nil
	}
	next := current.Clone()
	apply(next, tr)

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE build_records
		SET status = ?, start_time = ?, end_time = ?, result_time = ?, dependency_closure = ?, message = ?
		WHERE id = ? AND status = ?`),
		string(next.Status), nullNanos(next.StartTime), nullNanos(next.EndTime), nullNanos(next.ResultTime),
		nullNanos(next.DependencyClosure), next.Message, id, string(tr.From),
	)
	if err != nil {
		return nil, false, errors.WrapError(err, errors.CategoryStore, "update build status").
			WithContext("build_id", id).
			WithContext("to", string(tr.To)).
			Build()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.WrapError(err, errors.CategoryStore, "update build status").Build()
	}
	if n == 0 {
		latest, gerr := s.GetBuild(ctx, id)
		return latest, false, gerr
	}
	return next, true, nil
}

func (s *SQLStore) LatestSuccessful(ctx context.Context, key model.Key) (*model.BuildRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+buildColumns+` FROM build_records
		WHERE configuration_id = ? AND revision = ? AND build_class = ? AND status = ?
		ORDER BY result_time DESC, submit_time DESC
		LIMIT 1`),
		key.ConfigurationID, key.Revision, string(key.Class), string(model.StatusSuccess))
	rec, err := scanBuild(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "query latest successful build").
			WithContext("key", key.String()).
			Build()
	}
	return rec, nil
}

func (s *SQLStore) ActiveForKey(ctx context.Context, key model.Key) (*model.BuildRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+buildColumns+` FROM build_records
		WHERE configuration_id = ? AND revision = ? AND build_class = ? AND status IN (`+nonTerminalList()+`)
		LIMIT 1`),
		key.ConfigurationID, key.Revision, string(key.Class))
	rec, err := scanBuild(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "query active build").
			WithContext("key", key.String()).
			Build()
	}
	return rec, nil
}

func (s *SQLStore) ListActive(ctx context.Context) ([]*model.BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+buildColumns+` FROM build_records
		WHERE status IN (`+nonTerminalList()+`)
		ORDER BY submit_time, id`)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "list active builds").Build()
	}
	defer rows.Close()

	var out []*model.BuildRecord
	for rows.Next() {
		rec, err := scanBuild(rows)
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryStore, "scan build record").Build()
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "iterate build records").Build()
	}
	return out, nil
}

func (s *SQLStore) CreateGroupBuild(ctx context.Context, g *model.GroupBuildRecord) error {
	if err := validateGroup(g); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO group_builds (`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		g.ID, g.GroupConfigurationID, string(g.Class), string(g.Status), boolInt(g.Forced),
		g.StartTime.UnixNano(), nullNanos(g.EndTime))
	if err != nil {
		return errors.WrapError(err, errors.CategoryStore, "insert group build").
			WithContext("group_build_id", g.ID).
			Build()
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateID.WithContext("group_build_id", g.ID)
	}
	for _, m := range g.Members {
		if err := s.AddGroupMember(ctx, g.ID, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) AddGroupMember(ctx context.Context, groupID, buildID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO group_build_members (group_id, build_id, position)
		SELECT ?, ?, COUNT(*) FROM group_build_members WHERE group_id = ?
		ON CONFLICT DO NOTHING`),
		groupID, buildID, groupID)
	if err != nil {
		return errors.WrapError(err, errors.CategoryStore, "insert group member").
			WithContext("group_build_id", groupID).
			WithContext("build_id", buildID).
			Build()
	}
	return nil
}

func (s *SQLStore) GetGroupBuild(ctx context.Context, id string) (*model.GroupBuildRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+groupColumns+` FROM group_builds WHERE id = ?`), id)
	g, err := scanGroup(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.WithContext("group_build_id", id)
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "get group build").WithContext("group_build_id", id).Build()
	}
	if err := s.loadMembers(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *SQLStore) loadMembers(ctx context.Context, g *model.GroupBuildRecord) error {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT build_id FROM group_build_members WHERE group_id = ? ORDER BY position, build_id`), g.ID)
	if err != nil {
		return errors.WrapError(err, errors.CategoryStore, "list group members").WithContext("group_build_id", g.ID).Build()
	}
	defer rows.Close()
	g.Members = g.Members[:0]
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return errors.WrapError(err, errors.CategoryStore, "scan group member").Build()
		}
		g.Members = append(g.Members, id)
	}
	return rows.Err()
}

func (s *SQLStore) GroupsForBuild(ctx context.Context, buildID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT group_id FROM group_build_members WHERE build_id = ? ORDER BY group_id`), buildID)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "list groups for build").WithContext("build_id", buildID).Build()
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WrapError(err, errors.CategoryStore, "scan group id").Build()
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) CompareAndSetGroupStatus(ctx context.Context, id string, from, to model.BuildStatus, at time.Time) (*model.GroupBuildRecord, bool, error) {
	var end *time.Time
	if to.IsTerminal() {
		end = model.TimePtr(at)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE group_builds SET status = ?, end_time = ? WHERE id = ? AND status = ?`),
		string(to), nullNanos(end), id, string(from))
	if err != nil {
		return nil, false, errors.WrapError(err, errors.CategoryStore, "update group status").
			WithContext("group_build_id", id).
			Build()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.WrapError(err, errors.CategoryStore, "update group status").Build()
	}
	g, gerr := s.GetGroupBuild(ctx, id)
	if gerr != nil {
		return nil, false, gerr
	}
	return g, n == 1, nil
}

func (s *SQLStore) LatestGroupBuild(ctx context.Context, groupConfigID int, class model.BuildClass) (*model.GroupBuildRecord, error) {
	query := `SELECT ` + groupColumns + ` FROM group_builds WHERE group_configuration_id = ?`
	args := []any{groupConfigID}
	if class != "" {
		query += ` AND build_class = ?`
		args = append(args, string(class))
	}
	query += ` ORDER BY start_time DESC, id DESC LIMIT 1`

	g, err := scanGroup(s.db.QueryRowContext(ctx, s.q(query), args...))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "query latest group build").
			WithContext("group_configuration_id", groupConfigID).
			Build()
	}
	if err := s.loadMembers(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *SQLStore) ListActiveGroupBuilds(ctx context.Context) ([]*model.GroupBuildRecord, error) {
	return s.listGroups(ctx, `SELECT `+groupColumns+` FROM group_builds
		WHERE status IN (`+nonTerminalList()+`) ORDER BY start_time, id`)
}

func (s *SQLStore) ListTemporaryGroupBuildsOlderThan(ctx context.Context, before time.Time) ([]*model.GroupBuildRecord, error) {
	return s.listGroups(ctx, s.q(`SELECT `+groupColumns+` FROM group_builds
		WHERE build_class = ? AND start_time < ? ORDER BY start_time, id`),
		string(model.ClassTemporary), before.UnixNano())
}

func (s *SQLStore) listGroups(ctx context.Context, query string, args ...any) ([]*model.GroupBuildRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryStore, "list group builds").Build()
	}
	var out []*model.GroupBuildRecord
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			_ = rows.Close()
			return nil, errors.WrapError(err, errors.CategoryStore, "scan group build").Build()
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, errors.WrapError(err, errors.CategoryStore, "iterate group builds").Build()
	}
	// Members are loaded after the cursor is closed; sqlite runs with a
	// single connection.
	_ = rows.Close()
	for _, g := range out {
		if err := s.loadMembers(ctx, g); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close releases the database when the store opened it.
func (s *SQLStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*model.BuildRecord, error) {
	var (
		rec                         model.BuildRecord
		class, status               string
		forced                      int
		submit                      int64
		start, end, result, closure sql.NullInt64
		deps, depRevs               string
	)
	if err := row.Scan(&rec.ID, &rec.ConfigurationID, &rec.Revision, &class, &status, &forced, &submit,
		&start, &end, &result, &closure, &deps, &depRevs, &rec.NoRebuildCause, &rec.Message); err != nil {
		return nil, err
	}
	rec.Class = model.BuildClass(class)
	rec.Status = model.BuildStatus(status)
	rec.Forced = forced != 0
	rec.SubmitTime = time.Unix(0, submit)
	rec.StartTime = fromNanos(start)
	rec.EndTime = fromNanos(end)
	rec.ResultTime = fromNanos(result)
	rec.DependencyClosure = fromNanos(closure)
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &rec.Dependencies); err != nil {
			return nil, err
		}
	}
	if depRevs != "" {
		if err := json.Unmarshal([]byte(depRevs), &rec.DependencyRevisions); err != nil {
			return nil, err
		}
	}
	if len(rec.Dependencies) == 0 {
		rec.Dependencies = nil
	}
	if len(rec.DependencyRevisions) == 0 {
		rec.DependencyRevisions = nil
	}
	return &rec, nil
}

func scanGroup(row scanner) (*model.GroupBuildRecord, error) {
	var (
		g             model.GroupBuildRecord
		class, status string
		forced        int
		start         int64
		end           sql.NullInt64
	)
	if err := row.Scan(&g.ID, &g.GroupConfigurationID, &class, &status, &forced, &start, &end); err != nil {
		return nil, err
	}
	g.Class = model.BuildClass(class)
	g.Status = model.BuildStatus(status)
	g.Forced = forced != 0
	g.StartTime = time.Unix(0, start)
	g.EndTime = fromNanos(end)
	return &g, nil
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return model.TimePtr(time.Unix(0, v.Int64))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[int]int) map[int]int {
	if m == nil {
		return map[int]int{}
	}
	return m
}
