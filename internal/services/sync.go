package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"coursepilot/internal/canvas"
	"coursepilot/internal/config"
	"coursepilot/internal/models"
)

// ErrCourseNotFound is returned when a course id does not belong to the user.
var ErrCourseNotFound = errors.New("course not found")

// SourceFactory builds a discovery client for a resolved credential.
type SourceFactory func(cred canvas.Credential) canvas.Source

// SyncService imports courses, assignments, and modules from Canvas into the
// local store. Per-course failures are collected, not fatal; credential
// failures abort the whole sync.
type SyncService struct {
	db        *sql.DB
	cfg       config.Config
	log       zerolog.Logger
	newSource SourceFactory
}

func NewSyncService(db *sql.DB, cfg config.Config, log zerolog.Logger) *SyncService {
	svc := &SyncService{
		db:  db,
		cfg: cfg,
		log: log.With().Str("component", "sync").Logger(),
	}
	svc.newSource = func(cred canvas.Credential) canvas.Source {
		return canvas.NewSource(cred, cfg.HTTPTimeout, log)
	}
	return svc
}

// SetSourceFactory replaces how discovery clients are built. Tests inject
// fake sources here; production keeps the default.
func (s *SyncService) SetSourceFactory(f SourceFactory) {
	s.newSource = f
}

// SyncResult summarizes one full sync run.
type SyncResult struct {
	CoursesSynced     int      `json:"courses_synced"`
	AssignmentsSynced int      `json:"assignments_synced"`
	Errors            []string `json:"errors,omitempty"`
}

// SyncAll discovers the user's active courses and their assignments and
// upserts them. Progress reports course names as they complete.
func (s *SyncService) SyncAll(ctx context.Context, user *models.User, progress func(stage string, done, total int)) (*SyncResult, error) {
	cred, err := canvas.ResolveCredential(user, s.cfg.SecretKey, s.cfg.CanvasURL, s.cfg.SessionCookieName)
	if err != nil {
		return nil, err
	}
	source := s.newSource(cred)

	remote, err := source.ListCourses(ctx)
	if err != nil {
		return nil, err
	}
	active := canvas.FilterActive(remote, s.cfg.SkipKeywords, s.cfg.TermMarkers)

	result := &SyncResult{}
	for i, rc := range active {
		if progress != nil {
			progress(fmt.Sprintf("syncing %s", rc.Name), i, len(active))
		}

		courseID, err := s.upsertCourse(ctx, user.ID, rc)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rc.Name, err))
			continue
		}
		result.CoursesSynced++

		n, err := s.syncAssignments(ctx, source, user.ID, courseID, rc.ID)
		if err != nil {
			if errors.Is(err, canvas.ErrSessionExpired) {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s assignments: %v", rc.Name, err))
			continue
		}
		result.AssignmentsSynced += n
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_sync = ?, updated_at = ? WHERE id = ?`, now, now, user.ID); err != nil {
		s.log.Warn().Err(err).Msg("failed to record sync time")
	}
	if progress != nil {
		progress("done", len(active), len(active))
	}

	s.log.Info().Int("courses", result.CoursesSynced).
		Int("assignments", result.AssignmentsSynced).
		Int("errors", len(result.Errors)).
		Msg("sync finished")
	return result, nil
}

// upsertCourse creates or refreshes one course row. Display fields follow the
// newest discovery; color and progress set at creation are preserved on
// update (progress only moves when Canvas reports a real value).
func (s *SyncService) upsertCourse(ctx context.Context, userID int64, rc canvas.RemoteCourse) (int64, error) {
	code := rc.Code
	if code == "" {
		code = canvas.ShortCode(rc.Name)
	}
	now := time.Now().UTC()

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM courses WHERE user_id = ? AND canvas_id = ?`, userID, rc.ID).Scan(&id)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx,
			`UPDATE courses SET name = ?, code = ?, instructor = ?, term = ?,
				progress = CASE WHEN ? > 0 THEN ? ELSE progress END,
				updated_at = ?
			WHERE id = ?`,
			rc.Name, code, rc.Instructor, rc.Term, rc.Progress, rc.Progress, now, id)
		if err != nil {
			return 0, fmt.Errorf("update course: %w", err)
		}
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM courses WHERE user_id = ?`, userID).Scan(&count); err != nil {
			return 0, fmt.Errorf("count courses: %w", err)
		}
		color := s.cfg.CourseColors[count%len(s.cfg.CourseColors)]

		res, err := s.db.ExecContext(ctx,
			`INSERT INTO courses (user_id, canvas_id, code, name, instructor, term, progress, color, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, rc.ID, code, rc.Name, rc.Instructor, rc.Term, rc.Progress, color, now, now)
		if err != nil {
			return 0, fmt.Errorf("insert course: %w", err)
		}
		return res.LastInsertId()
	default:
		return 0, fmt.Errorf("lookup course: %w", err)
	}
}

func (s *SyncService) syncAssignments(ctx context.Context, source canvas.Source, userID, courseID int64, canvasCourseID string) (int, error) {
	remote, err := source.ListAssignments(ctx, canvasCourseID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	count := 0
	for _, ra := range remote {
		due := parseDueDate(ra.DueAt)
		status := deriveStatus(ra.WorkflowState)
		priority := derivePriority(due, now)
		kind := deriveType(ra.SubmissionTypes)

		_, err := s.db.ExecContext(ctx,
			`INSERT INTO assignments (user_id, course_id, canvas_id, title, due_date, type, priority, status, description, points, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?)
			ON CONFLICT(user_id, canvas_id) DO UPDATE SET
				title = excluded.title,
				due_date = excluded.due_date,
				type = excluded.type,
				priority = excluded.priority,
				status = excluded.status,
				points = excluded.points,
				updated_at = excluded.updated_at`,
			userID, courseID, ra.ID, ra.Name, due, kind, priority, status, ra.Points, now, now)
		if err != nil {
			return count, fmt.Errorf("upsert assignment %s: %w", ra.Name, err)
		}
		count++
	}
	return count, nil
}

func parseDueDate(raw string) sql.NullTime {
	if raw == "" {
		return sql.NullTime{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func deriveStatus(workflowState string) string {
	switch workflowState {
	case "submitted", "graded", "pending_review":
		return "completed"
	default:
		return "pending"
	}
}

func derivePriority(due sql.NullTime, now time.Time) string {
	if !due.Valid {
		return "low"
	}
	until := due.Time.Sub(now)
	switch {
	case until < 72*time.Hour:
		return "high"
	case until < 7*24*time.Hour:
		return "medium"
	default:
		return "low"
	}
}

func deriveType(submissionTypes []string) string {
	for _, st := range submissionTypes {
		switch st {
		case "online_quiz":
			return "Quiz"
		case "discussion_topic":
			return "Discussion"
		}
	}
	return "Assignment"
}

// Courses lists a user's imported courses ordered by name.
func (s *SyncService) Courses(ctx context.Context, userID int64) ([]models.Course, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, canvas_id, code, name, instructor, term, progress, color, created_at, updated_at
		FROM courses WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query courses: %w", err)
	}
	defer rows.Close()

	var courses []models.Course
	for rows.Next() {
		var c models.Course
		if err := rows.Scan(&c.ID, &c.UserID, &c.CanvasID, &c.Code, &c.Name, &c.Instructor,
			&c.Term, &c.Progress, &c.Color, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// Course fetches one course owned by the user.
func (s *SyncService) Course(ctx context.Context, userID, courseID int64) (*models.Course, error) {
	var c models.Course
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, canvas_id, code, name, instructor, term, progress, color, created_at, updated_at
		FROM courses WHERE id = ? AND user_id = ?`, courseID, userID).
		Scan(&c.ID, &c.UserID, &c.CanvasID, &c.Code, &c.Name, &c.Instructor,
			&c.Term, &c.Progress, &c.Color, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCourseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup course: %w", err)
	}
	return &c, nil
}

// Assignments lists a user's assignments, soonest due first.
func (s *SyncService) Assignments(ctx context.Context, userID int64) ([]models.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, course_id, canvas_id, title, due_date, type, priority, status, description, points, created_at, updated_at
		FROM assignments WHERE user_id = ? ORDER BY due_date IS NULL, due_date`, userID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var assignments []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.CourseID, &a.CanvasID, &a.Title, &a.DueDate,
			&a.Type, &a.Priority, &a.Status, &a.Description, &a.Points, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// EnsureModules returns a course's modules, importing them from Canvas the
// first time they are requested. Re-import never duplicates: rows are keyed
// by (course, name) and existing names are left untouched.
func (s *SyncService) EnsureModules(ctx context.Context, user *models.User, courseID int64) ([]models.Module, error) {
	course, err := s.Course(ctx, user.ID, courseID)
	if err != nil {
		return nil, err
	}

	stored, err := s.modules(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		return stored, nil
	}

	cred, err := canvas.ResolveCredential(user, s.cfg.SecretKey, s.cfg.CanvasURL, s.cfg.SessionCookieName)
	if err != nil {
		return nil, err
	}
	source := s.newSource(cred)

	remote, err := source.ListModules(ctx, course.CanvasID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i, rm := range remote {
		items, err := json.Marshal(rm.Items)
		if err != nil {
			items = []byte("[]")
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO modules (course_id, name, position, items, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			courseID, rm.Name, i, string(items), now, now); err != nil {
			return nil, fmt.Errorf("insert module %s: %w", rm.Name, err)
		}
	}
	return s.modules(ctx, courseID)
}

func (s *SyncService) modules(ctx context.Context, courseID int64) ([]models.Module, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_id, name, position, items, created_at, updated_at
		FROM modules WHERE course_id = ? ORDER BY position`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	var modules []models.Module
	for rows.Next() {
		var m models.Module
		var items string
		if err := rows.Scan(&m.ID, &m.CourseID, &m.Name, &m.Position, &items, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		if err := json.Unmarshal([]byte(items), &m.Items); err != nil {
			m.Items = nil
		}
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

// Module fetches one module and checks it belongs to the user via its course.
func (s *SyncService) Module(ctx context.Context, userID, moduleID int64) (*models.Module, *models.Course, error) {
	var m models.Module
	var items string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, course_id, name, position, items, created_at, updated_at
		FROM modules WHERE id = ?`, moduleID).
		Scan(&m.ID, &m.CourseID, &m.Name, &m.Position, &items, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrCourseNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup module: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &m.Items); err != nil {
		m.Items = nil
	}

	course, err := s.Course(ctx, userID, m.CourseID)
	if err != nil {
		return nil, nil, err
	}
	return &m, course, nil
}

// CourseFiles lists a course's files straight from Canvas, preferring
// documents the extractor can handle.
func (s *SyncService) CourseFiles(ctx context.Context, user *models.User, courseID int64) ([]models.FileRef, error) {
	course, err := s.Course(ctx, user.ID, courseID)
	if err != nil {
		return nil, err
	}
	cred, err := canvas.ResolveCredential(user, s.cfg.SecretKey, s.cfg.CanvasURL, s.cfg.SessionCookieName)
	if err != nil {
		return nil, err
	}
	source := s.newSource(cred)

	files, err := source.ListFiles(ctx, course.CanvasID)
	if err != nil {
		return nil, err
	}
	return preferExtractable(files), nil
}

// preferExtractable orders PDFs and text files ahead of everything else,
// keeping relative order within each group.
func preferExtractable(files []models.FileRef) []models.FileRef {
	var preferred, rest []models.FileRef
	for _, f := range files {
		ct := strings.ToLower(f.ContentType)
		if strings.Contains(ct, "pdf") || strings.HasPrefix(ct, "text/") || strings.Contains(ct, "html") {
			preferred = append(preferred, f)
		} else {
			rest = append(rest, f)
		}
	}
	return append(preferred, rest...)
}

// ResolveUserCredential exposes credential resolution for handlers that talk
// to Canvas directly (file listing for generation, extraction).
func (s *SyncService) ResolveUserCredential(user *models.User) (canvas.Credential, error) {
	return canvas.ResolveCredential(user, s.cfg.SecretKey, s.cfg.CanvasURL, s.cfg.SessionCookieName)
}
