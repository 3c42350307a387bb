package repository

import (
	"context"
	"fmt"
	"strings"

	"gradeflow/internal/common/db"
)

// Dialect names accepted by ApplySchema.
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

type dialect struct {
	id       string
	datetime string
	boolean  string
	// inlineIndexes puts secondary indexes inside CREATE TABLE.
	inlineIndexes bool
	tableSuffix   string
}

var dialects = map[string]dialect{
	DialectMySQL: {
		id:            "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY",
		datetime:      "DATETIME(6)",
		boolean:       "TINYINT(1)",
		inlineIndexes: true,
		tableSuffix:   " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	},
	DialectSQLite: {
		id:       "INTEGER PRIMARY KEY AUTOINCREMENT",
		datetime: "DATETIME",
		boolean:  "BOOLEAN",
	},
}

type index struct {
	name    string
	columns string
}

type table struct {
	name    string
	columns []string
	indexes []index
}

func tables(d dialect) []table {
	return []table{
		{
			name: "projects",
			columns: []string{
				"id " + d.id,
				"name VARCHAR(255) NOT NULL",
				"category VARCHAR(100) NOT NULL DEFAULT ''",
			},
		},
		{
			name: "tasks",
			columns: []string{
				"id " + d.id,
				"project_id BIGINT NOT NULL",
				"name VARCHAR(255) NOT NULL",
				"slug VARCHAR(255) NOT NULL DEFAULT ''",
				"sort_order INT NOT NULL",
				"duration_in_days INT NOT NULL DEFAULT 0",
				"UNIQUE (project_id, sort_order)",
			},
		},
		{
			name: "endpoints",
			columns: []string{
				"id " + d.id,
				"task_id BIGINT NOT NULL",
				"method VARCHAR(10) NOT NULL",
				"path VARCHAR(512) NOT NULL",
			},
			indexes: []index{{name: "idx_endpoints_task", columns: "task_id"}},
		},
		{
			name: "test_cases",
			columns: []string{
				"id " + d.id,
				"task_id BIGINT NOT NULL",
				"name VARCHAR(255) NOT NULL",
				"description TEXT",
				"test_type VARCHAR(50) NOT NULL",
				"points INT NOT NULL DEFAULT 5",
				"stop_on_failure " + d.boolean + " NOT NULL DEFAULT 0",
				"sort_order INT NOT NULL DEFAULT 0",
				"command_args TEXT",
				"input_data TEXT",
				"expected_output TEXT",
				"UNIQUE (task_id, sort_order)",
			},
		},
		{
			name: "api_test_cases",
			columns: []string{
				"test_case_id BIGINT NOT NULL PRIMARY KEY",
				"endpoint_id BIGINT NOT NULL",
				"path_params TEXT",
				"request_payload TEXT",
				"request_headers TEXT",
				"expected_status_code INT NOT NULL",
				"expected_response_schema TEXT",
			},
		},
		{
			name: "submissions",
			columns: []string{
				"id " + d.id,
				"project_id BIGINT NOT NULL",
				"task_id BIGINT NOT NULL",
				"team_id BIGINT NOT NULL",
				"user_id BIGINT NOT NULL",
				"status VARCHAR(20) NOT NULL DEFAULT 'pending'",
				"passed_tests INT NOT NULL DEFAULT 0",
				"passed_percentage DECIMAL(5,2) NOT NULL DEFAULT 0",
				"execution_logs TEXT",
				"feedback TEXT",
				"deployment_url VARCHAR(512)",
				"language VARCHAR(50)",
				"code TEXT",
				"created_at " + d.datetime + " NOT NULL",
				"updated_at " + d.datetime + " NOT NULL",
				"completed_at " + d.datetime + " NULL",
			},
			indexes: []index{
				{name: "idx_submissions_status_created", columns: "status, created_at"},
				{name: "idx_submissions_status_updated", columns: "status, updated_at"},
			},
		},
		{
			name: "team_projects",
			columns: []string{
				"id " + d.id,
				"team_id BIGINT NOT NULL",
				"project_id BIGINT NOT NULL",
				"is_finished " + d.boolean + " NOT NULL DEFAULT 0",
				"finished_at " + d.datetime + " NULL",
				"deployment_url VARCHAR(512)",
				"UNIQUE (team_id, project_id)",
			},
		},
	}
}

// SchemaStatements returns the DDL for the given dialect.
func SchemaStatements(dialectName string) ([]string, error) {
	d, ok := dialects[dialectName]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect %q", dialectName)
	}
	var stmts []string
	for _, t := range tables(d) {
		cols := append([]string(nil), t.columns...)
		if d.inlineIndexes {
			for _, idx := range t.indexes {
				cols = append(cols, fmt.Sprintf("INDEX %s (%s)", idx.name, idx.columns))
			}
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)%s",
			t.name, strings.Join(cols, ",\n\t"), d.tableSuffix))
		if !d.inlineIndexes {
			for _, idx := range t.indexes {
				stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.name, t.name, idx.columns))
			}
		}
	}
	return stmts, nil
}

// ApplySchema creates every grading table that does not exist yet.
func ApplySchema(ctx context.Context, database db.Database, dialectName string) error {
	stmts, err := SchemaStatements(dialectName)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
