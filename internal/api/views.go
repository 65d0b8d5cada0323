package api

import (
	"database/sql"
	"time"

	"coursepilot/internal/models"
)

// View shaping keeps sql.Null* types out of JSON payloads.

func nullTimeToString(t sql.NullTime) *string {
	if !t.Valid {
		return nil
	}
	formatted := t.Time.UTC().Format(time.RFC3339)
	return &formatted
}

func courseView(c models.Course) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"canvas_id":  c.CanvasID,
		"code":       c.Code,
		"name":       c.Name,
		"instructor": c.Instructor,
		"term":       c.Term,
		"progress":   c.Progress,
		"color":      c.Color,
	}
}

func courseViews(courses []models.Course) []map[string]any {
	out := make([]map[string]any, 0, len(courses))
	for _, c := range courses {
		out = append(out, courseView(c))
	}
	return out
}

func moduleViews(modules []models.Module) []map[string]any {
	out := make([]map[string]any, 0, len(modules))
	for _, m := range modules {
		items := m.Items
		if items == nil {
			items = []models.ModuleItem{}
		}
		out = append(out, map[string]any{
			"id":       m.ID,
			"name":     m.Name,
			"position": m.Position,
			"items":    items,
		})
	}
	return out
}

func assignmentViews(assignments []models.Assignment) []map[string]any {
	out := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		view := map[string]any{
			"id":        a.ID,
			"course_id": a.CourseID,
			"title":     a.Title,
			"type":      a.Type,
			"priority":  a.Priority,
			"status":    a.Status,
			"due_date":  nullTimeToString(a.DueDate),
		}
		if a.Points.Valid {
			view["points"] = a.Points.Float64
		}
		out = append(out, view)
	}
	return out
}

func cardView(c models.Flashcard) map[string]any {
	return map[string]any{
		"id":       c.ID,
		"set_id":   c.SetID,
		"question": c.Question,
		"answer":   c.Answer,
		"type":     c.Type,
		"due":      nullTimeToString(c.Due),
		"state":    c.State,
		"reps":     c.Reps,
		"lapses":   c.Lapses,
	}
}

func cardViews(cards []models.Flashcard) []map[string]any {
	out := make([]map[string]any, 0, len(cards))
	for _, c := range cards {
		out = append(out, cardView(c))
	}
	return out
}

// quizView hides correct answers unless revealed, so a quiz can be taken
// through the API without leaking its key.
func quizView(q *models.Quiz, revealAnswers bool) map[string]any {
	questions := make([]map[string]any, 0, len(q.Questions))
	for _, question := range q.Questions {
		view := map[string]any{
			"id":       question.ID,
			"question": question.QuestionText,
			"options":  question.Options,
			"position": question.Position,
		}
		if revealAnswers {
			view["correct_answer"] = question.CorrectAnswer
		}
		questions = append(questions, view)
	}
	return map[string]any{
		"id":          q.ID,
		"title":       q.Title,
		"description": q.Description,
		"created_at":  q.CreatedAt,
		"questions":   questions,
	}
}

func messageViews(messages []models.ChatMessage) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]any{
			"id":         m.ID,
			"role":       m.Role,
			"content":    m.Content,
			"created_at": m.CreatedAt,
		})
	}
	return out
}
