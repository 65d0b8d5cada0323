package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"coursepilot/internal/models"
)

// ErrQuizNotFound is returned for lookups of unknown quizzes.
var ErrQuizNotFound = errors.New("quiz not found")

// QuizService stores generated quizzes and grades attempts.
type QuizService struct {
	db *sql.DB
}

func NewQuizService(db *sql.DB) *QuizService {
	return &QuizService{db: db}
}

// SaveQuiz persists a generated quiz and its questions in one transaction.
// Question position follows draft order.
func (s *QuizService) SaveQuiz(ctx context.Context, userID int64, courseID sql.NullInt64, title, description string, drafts []QuizQuestionDraft) (*models.Quiz, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO quizzes (user_id, course_id, title, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, courseID, title, description, now)
	if err != nil {
		return nil, fmt.Errorf("insert quiz: %w", err)
	}
	quizID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("quiz id: %w", err)
	}

	for i, d := range drafts {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO quiz_questions (quiz_id, question_text, option_a, option_b, option_c, option_d, correct_answer, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			quizID, d.Question, d.Options[0], d.Options[1], d.Options[2], d.Options[3],
			d.CorrectAnswer, i); err != nil {
			return nil, fmt.Errorf("insert question: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit quiz: %w", err)
	}

	quiz := &models.Quiz{
		ID:          quizID,
		UserID:      userID,
		CourseID:    courseID,
		Title:       title,
		Description: description,
		CreatedAt:   now,
	}
	for i, d := range drafts {
		quiz.Questions = append(quiz.Questions, models.QuizQuestion{
			QuizID:        quizID,
			QuestionText:  d.Question,
			Options:       d.Options,
			CorrectAnswer: d.CorrectAnswer,
			Position:      i,
		})
	}
	return quiz, nil
}

// Quizzes lists a user's quizzes, newest first, without questions.
func (s *QuizService) Quizzes(ctx context.Context, userID int64) ([]models.Quiz, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, course_id, title, description, created_at
		FROM quizzes WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query quizzes: %w", err)
	}
	defer rows.Close()

	var quizzes []models.Quiz
	for rows.Next() {
		var q models.Quiz
		if err := rows.Scan(&q.ID, &q.UserID, &q.CourseID, &q.Title, &q.Description, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quiz: %w", err)
		}
		quizzes = append(quizzes, q)
	}
	return quizzes, rows.Err()
}

// Quiz fetches one quiz with its questions in position order.
func (s *QuizService) Quiz(ctx context.Context, userID, quizID int64) (*models.Quiz, error) {
	var q models.Quiz
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, course_id, title, description, created_at
		FROM quizzes WHERE id = ? AND user_id = ?`, quizID, userID).
		Scan(&q.ID, &q.UserID, &q.CourseID, &q.Title, &q.Description, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuizNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup quiz: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, quiz_id, question_text, option_a, option_b, option_c, option_d, correct_answer, position
		FROM quiz_questions WHERE quiz_id = ? ORDER BY position`, quizID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var question models.QuizQuestion
		var a, b, c, d string
		if err := rows.Scan(&question.ID, &question.QuizID, &question.QuestionText,
			&a, &b, &c, &d, &question.CorrectAnswer, &question.Position); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		question.Options = []string{a, b, c, d}
		q.Questions = append(q.Questions, question)
	}
	return &q, rows.Err()
}

// DeleteQuiz removes a quiz and, via cascade, its questions and attempts.
func (s *QuizService) DeleteQuiz(ctx context.Context, userID, quizID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM quizzes WHERE id = ? AND user_id = ?`, quizID, userID)
	if err != nil {
		return fmt.Errorf("delete quiz: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQuizNotFound
	}
	return nil
}

// QuestionResult is the per-question verdict of a submitted attempt.
type QuestionResult struct {
	QuestionID    int64  `json:"question_id"`
	Correct       bool   `json:"correct"`
	GivenAnswer   string `json:"given_answer"`
	CorrectAnswer string `json:"correct_answer"`
}

// SubmitAttempt grades letter answers keyed by question id and records the
// attempt. Missing answers count as wrong.
func (s *QuizService) SubmitAttempt(ctx context.Context, userID, quizID int64, answers map[int64]string) (*models.QuizAttempt, []QuestionResult, error) {
	quiz, err := s.Quiz(ctx, userID, quizID)
	if err != nil {
		return nil, nil, err
	}

	score := 0
	results := make([]QuestionResult, 0, len(quiz.Questions))
	for _, question := range quiz.Questions {
		given := strings.ToUpper(strings.TrimSpace(answers[question.ID]))
		correct := given != "" && given == question.CorrectAnswer
		if correct {
			score++
		}
		results = append(results, QuestionResult{
			QuestionID:    question.ID,
			Correct:       correct,
			GivenAnswer:   given,
			CorrectAnswer: question.CorrectAnswer,
		})
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO quiz_attempts (quiz_id, user_id, score, total_questions, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		quizID, userID, score, len(quiz.Questions), now)
	if err != nil {
		return nil, nil, fmt.Errorf("insert attempt: %w", err)
	}
	attemptID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("attempt id: %w", err)
	}

	attempt := &models.QuizAttempt{
		ID:             attemptID,
		QuizID:         quizID,
		UserID:         userID,
		Score:          score,
		TotalQuestions: len(quiz.Questions),
		CreatedAt:      now,
	}
	return attempt, results, nil
}

// Attempts lists past attempts for one quiz, newest first.
func (s *QuizService) Attempts(ctx context.Context, userID, quizID int64) ([]models.QuizAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, quiz_id, user_id, score, total_questions, created_at
		FROM quiz_attempts WHERE quiz_id = ? AND user_id = ? ORDER BY created_at DESC`, quizID, userID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.QuizAttempt
	for rows.Next() {
		var a models.QuizAttempt
		if err := rows.Scan(&a.ID, &a.QuizID, &a.UserID, &a.Score, &a.TotalQuestions, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
