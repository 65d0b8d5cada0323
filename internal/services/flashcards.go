package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"coursepilot/internal/models"
)

// ErrFlashcardNotFound is returned for lookups of unknown sets or cards.
var ErrFlashcardNotFound = errors.New("flashcard not found")

// FlashcardService stores generated flashcard sets and schedules reviews
// with FSRS.
type FlashcardService struct {
	db     *sql.DB
	params fsrs.Parameters
}

func NewFlashcardService(db *sql.DB) *FlashcardService {
	return &FlashcardService{
		db:     db,
		params: fsrs.DefaultParam(),
	}
}

// SaveSet persists a generated set and its cards in one transaction.
func (s *FlashcardService) SaveSet(ctx context.Context, userID int64, courseID sql.NullInt64, moduleName, title string, sources []string, drafts []FlashcardDraft) (*models.FlashcardSet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		sourcesJSON = []byte("[]")
	}
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO flashcard_sets (user_id, course_id, module_name, title, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, courseID, moduleName, title, string(sourcesJSON), now)
	if err != nil {
		return nil, fmt.Errorf("insert set: %w", err)
	}
	setID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("set id: %w", err)
	}

	for _, d := range drafts {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO flashcards (set_id, question, answer, type, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			setID, d.Question, d.Answer, d.Type, now, now); err != nil {
			return nil, fmt.Errorf("insert card: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit set: %w", err)
	}

	return &models.FlashcardSet{
		ID:         setID,
		UserID:     userID,
		CourseID:   courseID,
		ModuleName: moduleName,
		Title:      title,
		Sources:    sources,
		CreatedAt:  now,
	}, nil
}

// Sets lists a user's flashcard sets, newest first.
func (s *FlashcardService) Sets(ctx context.Context, userID int64) ([]models.FlashcardSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, course_id, module_name, title, sources, created_at
		FROM flashcard_sets WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sets: %w", err)
	}
	defer rows.Close()

	var sets []models.FlashcardSet
	for rows.Next() {
		set, err := scanSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, *set)
	}
	return sets, rows.Err()
}

func scanSet(rows *sql.Rows) (*models.FlashcardSet, error) {
	var set models.FlashcardSet
	var sources string
	if err := rows.Scan(&set.ID, &set.UserID, &set.CourseID, &set.ModuleName,
		&set.Title, &sources, &set.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan set: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &set.Sources); err != nil {
		set.Sources = nil
	}
	return &set, nil
}

// SetWithCards fetches one set plus all its cards.
func (s *FlashcardService) SetWithCards(ctx context.Context, userID, setID int64) (*models.FlashcardSet, []models.Flashcard, error) {
	var set models.FlashcardSet
	var sources string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, course_id, module_name, title, sources, created_at
		FROM flashcard_sets WHERE id = ? AND user_id = ?`, setID, userID).
		Scan(&set.ID, &set.UserID, &set.CourseID, &set.ModuleName, &set.Title, &sources, &set.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrFlashcardNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup set: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &set.Sources); err != nil {
		set.Sources = nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, set_id, question, answer, type, due, stability, difficulty,
			elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at
		FROM flashcards WHERE set_id = ? ORDER BY id`, setID)
	if err != nil {
		return nil, nil, fmt.Errorf("query cards: %w", err)
	}
	defer rows.Close()

	var cards []models.Flashcard
	for rows.Next() {
		var c models.Flashcard
		if err := rows.Scan(&c.ID, &c.SetID, &c.Question, &c.Answer, &c.Type, &c.Due,
			&c.Stability, &c.Difficulty, &c.ElapsedDays, &c.ScheduledDays,
			&c.Reps, &c.Lapses, &c.State, &c.LastReview, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	return &set, cards, rows.Err()
}

// DeleteSet removes a set and, via cascade, its cards and review logs.
func (s *FlashcardService) DeleteSet(ctx context.Context, userID, setID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM flashcard_sets WHERE id = ? AND user_id = ?`, setID, userID)
	if err != nil {
		return fmt.Errorf("delete set: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFlashcardNotFound
	}
	return nil
}

// DueCards returns cards due for review across all of a user's sets.
func (s *FlashcardService) DueCards(ctx context.Context, userID int64, limit int) ([]models.Flashcard, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.set_id, c.question, c.answer, c.type, c.due, c.stability, c.difficulty,
			c.elapsed_days, c.scheduled_days, c.reps, c.lapses, c.state, c.last_review, c.created_at, c.updated_at
		FROM flashcards c
		JOIN flashcard_sets s ON s.id = c.set_id
		WHERE s.user_id = ? AND (c.due IS NULL OR c.due <= ?)
		ORDER BY c.due IS NULL DESC, c.due
		LIMIT ?`, userID, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due cards: %w", err)
	}
	defer rows.Close()

	var cards []models.Flashcard
	for rows.Next() {
		var c models.Flashcard
		if err := rows.Scan(&c.ID, &c.SetID, &c.Question, &c.Answer, &c.Type, &c.Due,
			&c.Stability, &c.Difficulty, &c.ElapsedDays, &c.ScheduledDays,
			&c.Reps, &c.Lapses, &c.State, &c.LastReview, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// ReviewCard applies an FSRS rating to a card, reschedules it, and records a
// review log entry, all in one transaction.
func (s *FlashcardService) ReviewCard(ctx context.Context, userID, cardID int64, rating fsrs.Rating) (*models.Flashcard, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	card := &models.Flashcard{}
	err = tx.QueryRowContext(ctx,
		`SELECT c.id, c.set_id, c.question, c.answer, c.type, c.due, c.stability, c.difficulty,
			c.elapsed_days, c.scheduled_days, c.reps, c.lapses, c.state, c.last_review, c.created_at, c.updated_at
		FROM flashcards c
		JOIN flashcard_sets s ON s.id = c.set_id
		WHERE c.id = ? AND s.user_id = ?`, cardID, userID).
		Scan(&card.ID, &card.SetID, &card.Question, &card.Answer, &card.Type, &card.Due,
			&card.Stability, &card.Difficulty, &card.ElapsedDays, &card.ScheduledDays,
			&card.Reps, &card.Lapses, &card.State, &card.LastReview, &card.CreatedAt, &card.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlashcardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load card %d: %w", cardID, err)
	}

	now := time.Now().UTC()
	scheduling := s.params.Repeat(card.ToFSRSCard(), now)
	info, ok := scheduling[rating]
	if !ok {
		return nil, fmt.Errorf("rating %d not supported", rating)
	}
	card.ApplyFSRSCard(info.Card)
	card.UpdatedAt = now

	if _, err = tx.ExecContext(ctx,
		`UPDATE flashcards
		SET due = ?, stability = ?, difficulty = ?, elapsed_days = ?, scheduled_days = ?,
			reps = ?, lapses = ?, state = ?, last_review = ?, updated_at = ?
		WHERE id = ?`,
		card.Due, card.Stability, card.Difficulty, card.ElapsedDays, card.ScheduledDays,
		card.Reps, card.Lapses, card.State, card.LastReview, card.UpdatedAt, card.ID); err != nil {
		return nil, fmt.Errorf("update card %d: %w", card.ID, err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO review_logs (flashcard_id, rating, scheduled_days, elapsed_days, state, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		card.ID, int(info.ReviewLog.Rating), int(info.ReviewLog.ScheduledDays),
		int(info.ReviewLog.ElapsedDays), int(info.ReviewLog.State), now); err != nil {
		return nil, fmt.Errorf("insert review log: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit review: %w", err)
	}
	return card, nil
}
