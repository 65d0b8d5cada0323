package models

import (
	"database/sql"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

// User holds the Canvas connection state for one account. Exactly one of
// AccessToken or SessionCookie needs to be present for the pipeline to run;
// SessionCookie is stored encrypted and decrypted on use.
type User struct {
	ID            int64
	CanvasUserID  string
	Name          string
	Email         string
	InstanceURL   sql.NullString
	AccessToken   sql.NullString
	SessionCookie sql.NullString
	LastSync      sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Course mirrors a Canvas course imported for a specific user. The same
// Canvas course id can exist once per user.
type Course struct {
	ID         int64
	UserID     int64
	CanvasID   string
	Code       string
	Name       string
	Instructor string
	Term       string
	Progress   float64
	Color      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Module is a named, ordered section of a course. Items is the ordered list
// of linked resources discovered on import; modules are imported at most once
// per (course, name).
type Module struct {
	ID        int64
	CourseID  int64
	Name      string
	Position  int
	Items     []ModuleItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ModuleItem is a single linked resource inside a module.
type ModuleItem struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// FileRef describes a file in a course's Files area.
type FileRef struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	UpdatedAt   string `json:"updated_at"`
}

// Assignment mirrors a Canvas assignment for the dashboard views.
type Assignment struct {
	ID          int64
	UserID      int64
	CourseID    int64
	CanvasID    string
	Title       string
	DueDate     sql.NullTime
	Type        string
	Priority    string
	Status      string
	Description string
	Points      sql.NullFloat64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FlashcardSet groups saved flashcards generated from one module.
type FlashcardSet struct {
	ID         int64
	UserID     int64
	CourseID   sql.NullInt64
	ModuleName string
	Title      string
	Sources    []string
	CreatedAt  time.Time
}

type Flashcard struct {
	ID            int64
	SetID         int64
	Question      string
	Answer        string
	Type          string
	Due           sql.NullTime
	Stability     float64
	Difficulty    float64
	ElapsedDays   int
	ScheduledDays int
	Reps          int
	Lapses        int
	State         int
	LastReview    sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ReviewLog struct {
	ID            int64
	FlashcardID   int64
	Rating        int
	ScheduledDays int
	ElapsedDays   int
	State         int
	ReviewedAt    time.Time
}

type Quiz struct {
	ID          int64
	UserID      int64
	CourseID    sql.NullInt64
	Title       string
	Description string
	Questions   []QuizQuestion
	CreatedAt   time.Time
}

type QuizQuestion struct {
	ID            int64
	QuizID        int64
	QuestionText  string
	Options       []string
	CorrectAnswer string
	Position      int
}

type QuizAttempt struct {
	ID             int64
	QuizID         int64
	UserID         int64
	Score          int
	TotalQuestions int
	CreatedAt      time.Time
}

type ChatMessage struct {
	ID        int64
	UserID    int64
	CourseID  int64
	Role      string
	Content   string
	CreatedAt time.Time
}

func (f *Flashcard) ToFSRSCard() fsrs.Card {
	card := fsrs.Card{
		Stability:     f.Stability,
		Difficulty:    f.Difficulty,
		ElapsedDays:   uint64(max(f.ElapsedDays, 0)),
		ScheduledDays: uint64(max(f.ScheduledDays, 0)),
		Reps:          uint64(max(f.Reps, 0)),
		Lapses:        uint64(max(f.Lapses, 0)),
		State:         fsrs.State(max(f.State, 0)),
	}
	if f.Due.Valid {
		card.Due = f.Due.Time
	}
	if f.LastReview.Valid {
		card.LastReview = f.LastReview.Time
	}
	return card
}

func (f *Flashcard) ApplyFSRSCard(c fsrs.Card) {
	f.Due = sql.NullTime{Time: c.Due, Valid: !c.Due.IsZero()}
	f.Stability = c.Stability
	f.Difficulty = c.Difficulty
	f.ElapsedDays = int(c.ElapsedDays)
	f.ScheduledDays = int(c.ScheduledDays)
	f.Reps = int(c.Reps)
	f.Lapses = int(c.Lapses)
	f.State = int(c.State)
	f.LastReview = sql.NullTime{Time: c.LastReview, Valid: !c.LastReview.IsZero()}
}
