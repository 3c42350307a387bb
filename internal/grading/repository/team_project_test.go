package repository_test

import (
	"context"
	"testing"
	"time"

	"gradeflow/internal/common/db"
	"gradeflow/internal/grading/repository"
	"gradeflow/internal/grading/repository/repotest"
	pkgerrors "gradeflow/pkg/errors"
)

func TestMarkFinishedSetsTimestamp(t *testing.T) {
	f := repotest.New(t)
	repo := repository.NewTeamProjectRepository(f.DB)
	ctx := context.Background()
	projectID := f.Project("Todo API", "")
	f.TeamProject(3, projectID, "http://team3.example")
	at := time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)

	err := f.DB.Transaction(ctx, func(tx db.Transaction) error {
		found, err := repo.MarkFinished(ctx, tx, 3, projectID, at)
		if err != nil {
			return err
		}
		if !found {
			t.Errorf("expected team project to be found")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	tp, err := repo.Get(ctx, nil, 3, projectID)
	if err != nil {
		t.Fatalf("get team project: %v", err)
	}
	if !tp.IsFinished || tp.FinishedAt == nil || !tp.FinishedAt.Equal(at) {
		t.Fatalf("expected finished team project, got %+v", tp)
	}
	if tp.DeploymentURL != "http://team3.example" {
		t.Fatalf("unexpected deployment url %q", tp.DeploymentURL)
	}
}

func TestMarkFinishedMissingTeamProject(t *testing.T) {
	f := repotest.New(t)
	repo := repository.NewTeamProjectRepository(f.DB)

	found, err := repo.MarkFinished(context.Background(), nil, 3, 42, time.Now())
	if err != nil {
		t.Fatalf("mark finished: %v", err)
	}
	if found {
		t.Fatalf("expected missing team project to report false")
	}
	if _, err := repo.Get(context.Background(), nil, 3, 42); !pkgerrors.Is(err, pkgerrors.TeamProjectNotFound) {
		t.Fatalf("expected TeamProjectNotFound, got %v", err)
	}
}

func TestSchemaStatementsPerDialect(t *testing.T) {
	t.Parallel()
	mysql, err := repository.SchemaStatements(repository.DialectMySQL)
	if err != nil {
		t.Fatalf("mysql schema: %v", err)
	}
	sqlite, err := repository.SchemaStatements(repository.DialectSQLite)
	if err != nil {
		t.Fatalf("sqlite schema: %v", err)
	}
	// SQLite emits secondary indexes as separate statements.
	if len(sqlite) <= len(mysql) {
		t.Fatalf("expected extra index statements for sqlite, got %d vs %d", len(sqlite), len(mysql))
	}
	if _, err := repository.SchemaStatements("oracle"); err == nil {
		t.Fatalf("expected unsupported dialect error")
	}
}
