package store

import (
	"fmt"
	"strings"

	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// Dialect selects SQL flavour details.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// nonTerminalList renders the non-terminal statuses as a SQL IN list.
func nonTerminalList() string {
	parts := make([]string, 0, 4)
	for _, s := range model.NonTerminalStatuses() {
		parts = append(parts, "'"+string(s)+"'")
	}
	return strings.Join(parts, ", ")
}

func schemaStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS build_records (
			id TEXT PRIMARY KEY,
			configuration_id INTEGER NOT NULL,
			revision INTEGER NOT NULL,
			build_class TEXT NOT NULL,
			status TEXT NOT NULL,
			forced INTEGER NOT NULL DEFAULT 0,
			submit_time BIGINT NOT NULL,
			start_time BIGINT,
			end_time BIGINT,
			result_time BIGINT,
			dependency_closure BIGINT,
			dependencies TEXT NOT NULL DEFAULT '[]',
			dependency_revisions TEXT NOT NULL DEFAULT '{}',
			no_rebuild_cause TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT ''
		)`,
		// Hot path for the decision lookup and the in-flight check.
		`CREATE INDEX IF NOT EXISTS idx_build_records_key_status
			ON build_records (configuration_id, revision, build_class, status)`,
		// At most one non-terminal record per key.
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_build_records_active_key
			ON build_records (configuration_id, revision, build_class)
			WHERE status IN (%s)`, nonTerminalList()),
		`CREATE TABLE IF NOT EXISTS group_builds (
			id TEXT PRIMARY KEY,
			group_configuration_id INTEGER NOT NULL,
			build_class TEXT NOT NULL,
			status TEXT NOT NULL,
			forced INTEGER NOT NULL DEFAULT 0,
			start_time BIGINT NOT NULL,
			end_time BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_builds_config
			ON group_builds (group_configuration_id, build_class, start_time)`,
		`CREATE TABLE IF NOT EXISTS group_build_members (
			group_id TEXT NOT NULL,
			build_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (group_id, build_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_build_members_build
			ON group_build_members (build_id)`,
	}
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
