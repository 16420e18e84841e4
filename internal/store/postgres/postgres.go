// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/drewdunne/conductor/internal/models"
	"github.com/drewdunne/conductor/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection. maxConns of zero keeps
// the pgxpool default.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// translate maps driver errors onto store sentinels.
func translate(err error, kind string, key any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", kind, key, store.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s %v: %w", kind, key, store.ErrConflict)
	}
	return fmt.Errorf("%s %v: %w", kind, key, err)
}

// execOne runs a statement that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, kind string, key any, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return translate(err, kind, key)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %v: %w", kind, key, store.ErrNotFound)
	}
	return nil
}

// nextID is used for every table so IDs stay unique across record kinds.
const nextID = `COALESCE(NULLIF($1::BIGINT, 0), nextval('conductor_ids'))`

// Users

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, username) VALUES (`+nextID+`, $2) RETURNING id`,
		u.ID, u.Username).Scan(&u.ID)
	return translate(err, "user", u.Username)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT id, username FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Username)
	if err != nil {
		return nil, translate(err, "user", id)
	}
	return &u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `SELECT id, username FROM users WHERE username = $1`, username).Scan(&u.ID, &u.Username)
	if err != nil {
		return nil, translate(err, "user", username)
	}
	return &u, nil
}

func (s *Store) CreateGroup(ctx context.Context, g *models.Group) error {
	members := g.MemberIDs
	if members == nil {
		members = []int64{}
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO groups (id, name, member_ids) VALUES (`+nextID+`, $2, $3) RETURNING id`,
		g.ID, g.Name, members).Scan(&g.ID)
	return translate(err, "group", g.Name)
}

func (s *Store) GroupByName(ctx context.Context, name string) (*models.Group, error) {
	var g models.Group
	err := s.pool.QueryRow(ctx, `SELECT id, name, member_ids FROM groups WHERE name = $1`, name).
		Scan(&g.ID, &g.Name, &g.MemberIDs)
	if err != nil {
		return nil, translate(err, "group", name)
	}
	return &g, nil
}

func (s *Store) GroupMembers(ctx context.Context, groupIDs []int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT m
		FROM groups, unnest(member_ids) AS m
		WHERE id = ANY($1)
		ORDER BY m`, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("listing group members: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// Projects

const projectColumns = `id, provider, owner, name, clone_url, settings, member_ids`

func scanProject(row scanner) (*models.Project, error) {
	var p models.Project
	if err := row.Scan(&p.ID, &p.Provider, &p.Owner, &p.Name, &p.CloneURL, &p.Settings, &p.MemberIDs); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO projects (id, provider, owner, name, clone_url, settings, member_ids)
		VALUES (`+nextID+`, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		p.ID, p.Provider, p.Owner, p.Name, p.CloneURL, p.Settings, p.MemberIDs).Scan(&p.ID)
	return translate(err, "project", p.FullName())
}

func (s *Store) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "project", id)
	}
	return p, nil
}

func (s *Store) ProjectByPath(ctx context.Context, provider, owner, name string) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE provider = $1 AND owner = $2 AND name = $3`,
		provider, owner, name))
	if err != nil {
		return nil, translate(err, "project", owner+"/"+name)
	}
	return p, nil
}

func (s *Store) UpdateProject(ctx context.Context, p *models.Project) error {
	return s.execOne(ctx, "project", p.ID, `
		UPDATE projects
		SET provider = $2, owner = $3, name = $4, clone_url = $5, settings = $6, member_ids = $7
		WHERE id = $1`,
		p.ID, p.Provider, p.Owner, p.Name, p.CloneURL, p.Settings, p.MemberIDs)
}

// Merge requests

const mrColumns = `id, project_id, iid, title, author_id, source_branch, target_branch, head_sha, state,
	committer_ids, approval_rules_overwritten, merged_at`

func scanMR(row scanner) (*models.MergeRequest, error) {
	var mr models.MergeRequest
	err := row.Scan(&mr.ID, &mr.ProjectID, &mr.IID, &mr.Title, &mr.AuthorID, &mr.SourceBranch, &mr.TargetBranch,
		&mr.HeadSHA, &mr.State, &mr.CommitterIDs, &mr.ApprovalRulesOverwritten, &mr.MergedAt)
	if err != nil {
		return nil, err
	}
	return &mr, nil
}

func (s *Store) CreateMergeRequest(ctx context.Context, mr *models.MergeRequest) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO merge_requests (id, project_id, iid, title, author_id, source_branch, target_branch, head_sha,
			state, committer_ids, approval_rules_overwritten, merged_at)
		VALUES (`+nextID+`, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		mr.ID, mr.ProjectID, mr.IID, mr.Title, mr.AuthorID, mr.SourceBranch, mr.TargetBranch, mr.HeadSHA,
		mr.State, mr.CommitterIDs, mr.ApprovalRulesOverwritten, mr.MergedAt).Scan(&mr.ID)
	return translate(err, "merge request", mr.IID)
}

func (s *Store) GetMergeRequest(ctx context.Context, id int64) (*models.MergeRequest, error) {
	mr, err := scanMR(s.pool.QueryRow(ctx, `SELECT `+mrColumns+` FROM merge_requests WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "merge request", id)
	}
	return mr, nil
}

func (s *Store) MergeRequestByIID(ctx context.Context, projectID int64, iid int) (*models.MergeRequest, error) {
	mr, err := scanMR(s.pool.QueryRow(ctx,
		`SELECT `+mrColumns+` FROM merge_requests WHERE project_id = $1 AND iid = $2`, projectID, iid))
	if err != nil {
		return nil, translate(err, "merge request", iid)
	}
	return mr, nil
}

func (s *Store) UpdateMergeRequest(ctx context.Context, mr *models.MergeRequest) error {
	return s.execOne(ctx, "merge request", mr.ID, `
		UPDATE merge_requests
		SET title = $2, author_id = $3, source_branch = $4, target_branch = $5, head_sha = $6, state = $7,
			committer_ids = $8, approval_rules_overwritten = $9, merged_at = $10
		WHERE id = $1`,
		mr.ID, mr.Title, mr.AuthorID, mr.SourceBranch, mr.TargetBranch, mr.HeadSHA, mr.State,
		mr.CommitterIDs, mr.ApprovalRulesOverwritten, mr.MergedAt)
}

// Approval rules

const ruleColumns = `id, project_id, merge_request_id, name, rule_type, approvals_required, user_ids, group_ids,
	source_rule_id, section, pattern, optional, report_type, approved_approver_ids`

func scanRule(row scanner) (*models.ApprovalRule, error) {
	var r models.ApprovalRule
	err := row.Scan(&r.ID, &r.ProjectID, &r.MergeRequestID, &r.Name, &r.Type, &r.ApprovalsRequired,
		&r.UserIDs, &r.GroupIDs, &r.SourceRuleID, &r.Section, &r.Pattern, &r.Optional, &r.ReportType,
		&r.ApprovedApproverIDs)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateApprovalRule(ctx context.Context, r *models.ApprovalRule) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO approval_rules (id, project_id, merge_request_id, name, rule_type, approvals_required, user_ids,
			group_ids, source_rule_id, section, pattern, optional, report_type, approved_approver_ids)
		VALUES (`+nextID+`, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		r.ID, r.ProjectID, r.MergeRequestID, r.Name, r.Type, r.ApprovalsRequired, r.UserIDs,
		r.GroupIDs, r.SourceRuleID, r.Section, r.Pattern, r.Optional, r.ReportType, r.ApprovedApproverIDs).Scan(&r.ID)
	return translate(err, "approval rule", r.Name)
}

func (s *Store) GetApprovalRule(ctx context.Context, id int64) (*models.ApprovalRule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM approval_rules WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "approval rule", id)
	}
	return r, nil
}

func (s *Store) UpdateApprovalRule(ctx context.Context, r *models.ApprovalRule) error {
	return s.execOne(ctx, "approval rule", r.ID, `
		UPDATE approval_rules
		SET name = $2, rule_type = $3, approvals_required = $4, user_ids = $5, group_ids = $6, source_rule_id = $7,
			section = $8, pattern = $9, optional = $10, report_type = $11, approved_approver_ids = $12
		WHERE id = $1`,
		r.ID, r.Name, r.Type, r.ApprovalsRequired, r.UserIDs, r.GroupIDs, r.SourceRuleID,
		r.Section, r.Pattern, r.Optional, r.ReportType, r.ApprovedApproverIDs)
}

func (s *Store) DeleteApprovalRule(ctx context.Context, id int64) error {
	return s.execOne(ctx, "approval rule", id, `DELETE FROM approval_rules WHERE id = $1`, id)
}

func (s *Store) listRules(ctx context.Context, where string, arg int64) ([]*models.ApprovalRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM approval_rules WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, fmt.Errorf("listing approval rules: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.ApprovalRule, error) {
		return scanRule(row)
	})
}

func (s *Store) ListProjectRules(ctx context.Context, projectID int64) ([]*models.ApprovalRule, error) {
	return s.listRules(ctx, `project_id = $1 AND merge_request_id = 0`, projectID)
}

func (s *Store) ListMergeRequestRules(ctx context.Context, mrID int64) ([]*models.ApprovalRule, error) {
	return s.listRules(ctx, `merge_request_id = $1`, mrID)
}

// Approvals

func (s *Store) CreateApproval(ctx context.Context, a *models.Approval) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO approvals (id, merge_request_id, user_id, created_at)
		VALUES (`+nextID+`, $2, $3, $4)
		RETURNING id`,
		a.ID, a.MergeRequestID, a.UserID, a.CreatedAt).Scan(&a.ID)
	return translate(err, "approval by user", a.UserID)
}

func (s *Store) DeleteApproval(ctx context.Context, mrID, userID int64) error {
	return s.execOne(ctx, "approval", userID,
		`DELETE FROM approvals WHERE merge_request_id = $1 AND user_id = $2`, mrID, userID)
}

func (s *Store) DeleteApprovals(ctx context.Context, mrID int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM approvals WHERE merge_request_id = $1`, mrID)
	if err != nil {
		return 0, fmt.Errorf("deleting approvals: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListApprovals(ctx context.Context, mrID int64) ([]*models.Approval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, merge_request_id, user_id, created_at
		FROM approvals WHERE merge_request_id = $1 ORDER BY id`, mrID)
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Approval, error) {
		var a models.Approval
		err := row.Scan(&a.ID, &a.MergeRequestID, &a.UserID, &a.CreatedAt)
		return &a, err
	})
}

// Pipelines

func (s *Store) UpsertPipeline(ctx context.Context, p *models.Pipeline) error {
	if p.ID == 0 {
		return errors.New("pipeline without id")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipelines (id, project_id, ref, sha, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET project_id = EXCLUDED.project_id,
			ref = COALESCE(NULLIF(EXCLUDED.ref, ''), pipelines.ref),
			sha = COALESCE(NULLIF(EXCLUDED.sha, ''), pipelines.sha),
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.ProjectID, p.Ref, p.SHA, p.Status, p.UpdatedAt)
	return translate(err, "pipeline", p.ID)
}

func (s *Store) GetPipeline(ctx context.Context, id int64) (*models.Pipeline, error) {
	var p models.Pipeline
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, ref, sha, status, updated_at FROM pipelines WHERE id = $1`, id).
		Scan(&p.ID, &p.ProjectID, &p.Ref, &p.SHA, &p.Status, &p.UpdatedAt)
	if err != nil {
		return nil, translate(err, "pipeline", id)
	}
	return &p, nil
}

// Train entries

const entryColumns = `id, project_id, target_branch, merge_request_id, user_id, status, pipeline_id, merged_at,
	duration_ns, lock_version, created_at, updated_at`

func scanEntry(row scanner) (*models.TrainEntry, error) {
	var (
		e        models.TrainEntry
		duration int64
	)
	err := row.Scan(&e.ID, &e.ProjectID, &e.TargetBranch, &e.MergeRequestID, &e.UserID, &e.Status, &e.PipelineID,
		&e.MergedAt, &duration, &e.LockVersion, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Duration = time.Duration(duration)
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*models.TrainEntry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.TrainEntry, error) {
		return scanEntry(row)
	})
}

func (s *Store) CreateTrainEntry(ctx context.Context, e *models.TrainEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO merge_train_entries (project_id, target_branch, merge_request_id, user_id, status, pipeline_id,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id, lock_version, updated_at`,
		e.ProjectID, e.TargetBranch, e.MergeRequestID, e.UserID, e.Status, e.PipelineID, e.CreatedAt).
		Scan(&e.ID, &e.LockVersion, &e.UpdatedAt)
	if err != nil {
		return translate(err, "train entry for merge request", e.MergeRequestID)
	}
	return nil
}

func (s *Store) GetTrainEntry(ctx context.Context, id int64) (*models.TrainEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM merge_train_entries WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "train entry", id)
	}
	return e, nil
}

func (s *Store) TrainEntryByMergeRequest(ctx context.Context, mrID int64) (*models.TrainEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM merge_train_entries
		WHERE merge_request_id = $1
		ORDER BY (status <> $2) DESC, id DESC
		LIMIT 1`, mrID, models.TrainMerged))
	if err != nil {
		return nil, translate(err, "train entry for merge request", mrID)
	}
	return e, nil
}

func (s *Store) UpdateTrainEntry(ctx context.Context, e *models.TrainEntry) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE merge_train_entries
		SET status = $3, pipeline_id = $4, merged_at = $5, duration_ns = $6,
			lock_version = lock_version + 1, updated_at = now()
		WHERE id = $1 AND lock_version = $2
		RETURNING lock_version, updated_at`,
		e.ID, e.LockVersion, e.Status, e.PipelineID, e.MergedAt, int64(e.Duration)).
		Scan(&e.LockVersion, &e.UpdatedAt)
	if !errors.Is(err, pgx.ErrNoRows) {
		return translate(err, "train entry", e.ID)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM merge_train_entries WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return translate(err, "train entry", e.ID)
	}
	if !exists {
		return fmt.Errorf("train entry %d: %w", e.ID, store.ErrNotFound)
	}
	return fmt.Errorf("train entry %d lock_version %d: %w", e.ID, e.LockVersion, store.ErrStaleObject)
}

func (s *Store) DeleteTrainEntry(ctx context.Context, id int64) error {
	return s.execOne(ctx, "train entry", id, `DELETE FROM merge_train_entries WHERE id = $1`, id)
}

func (s *Store) ListTrain(ctx context.Context, q store.TrainQueue, includeMerged bool) ([]*models.TrainEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM merge_train_entries
		WHERE project_id = $1 AND target_branch = $2 AND ($3 OR status <> $4)
		ORDER BY id`,
		q.ProjectID, q.TargetBranch, includeMerged, models.TrainMerged)
	if err != nil {
		return nil, fmt.Errorf("listing train: %w", err)
	}
	return collectEntries(rows)
}

func (s *Store) ListTrainQueues(ctx context.Context) ([]store.TrainQueue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT project_id, target_branch
		FROM merge_train_entries
		WHERE status <> $1
		ORDER BY project_id, target_branch`, models.TrainMerged)
	if err != nil {
		return nil, fmt.Errorf("listing train queues: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TrainQueue, error) {
		var q store.TrainQueue
		err := row.Scan(&q.ProjectID, &q.TargetBranch)
		return q, err
	})
}
