package repository

import (
	"context"
	"database/sql"
	"time"

	"gradeflow/internal/common/db"
	"gradeflow/internal/grading/model"
	pkgerrors "gradeflow/pkg/errors"
)

// TeamProjectRepository tracks project completion per team.
type TeamProjectRepository interface {
	Get(ctx context.Context, tx db.Transaction, teamID, projectID int64) (*model.TeamProject, error)
	// MarkFinished flags the team project finished. It reports false when no
	// team project exists for the pair.
	MarkFinished(ctx context.Context, tx db.Transaction, teamID, projectID int64, at time.Time) (bool, error)
}

// SQLTeamProjectRepository implements TeamProjectRepository.
type SQLTeamProjectRepository struct {
	db db.Database
}

// NewTeamProjectRepository creates a team project repository.
func NewTeamProjectRepository(database db.Database) TeamProjectRepository {
	return &SQLTeamProjectRepository{db: database}
}

// Get loads the team project for a team and project.
func (r *SQLTeamProjectRepository) Get(ctx context.Context, tx db.Transaction, teamID, projectID int64) (*model.TeamProject, error) {
	query := `
		SELECT id, team_id, project_id, is_finished, finished_at, deployment_url
		FROM team_projects WHERE team_id = ? AND project_id = ? LIMIT 1`
	var (
		tp         model.TeamProject
		finishedAt sql.NullTime
		deployURL  sql.NullString
	)
	err := db.GetQuerier(r.db, tx).QueryRow(ctx, query, teamID, projectID).
		Scan(&tp.ID, &tp.TeamID, &tp.ProjectID, &tp.IsFinished, &finishedAt, &deployURL)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, pkgerrors.Newf(pkgerrors.TeamProjectNotFound, "team %d is not enrolled in project %d", teamID, projectID)
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	if finishedAt.Valid {
		at := finishedAt.Time.UTC()
		tp.FinishedAt = &at
	}
	tp.DeploymentURL = deployURL.String
	return &tp, nil
}

// MarkFinished sets is_finished and finished_at together.
func (r *SQLTeamProjectRepository) MarkFinished(ctx context.Context, tx db.Transaction, teamID, projectID int64, at time.Time) (bool, error) {
	q := db.GetQuerier(r.db, tx)
	var id int64
	err := q.QueryRow(ctx, "SELECT id FROM team_projects WHERE team_id = ? AND project_id = ? LIMIT 1", teamID, projectID).Scan(&id)
	if err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	if _, err := q.Exec(ctx, "UPDATE team_projects SET is_finished = ?, finished_at = ? WHERE id = ?", true, at.UTC(), id); err != nil {
		return false, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "mark team project %d finished", id)
	}
	return true, nil
}
