package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coursepilot/internal/models"
)

// ChatService persists per-course tutoring conversations.
type ChatService struct {
	db *sql.DB
}

func NewChatService(db *sql.DB) *ChatService {
	return &ChatService{db: db}
}

// Append records one message and returns it with its assigned id.
func (s *ChatService) Append(ctx context.Context, userID, courseID int64, role, content string) (*models.ChatMessage, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (user_id, course_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, courseID, role, content, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	return &models.ChatMessage{
		ID: id, UserID: userID, CourseID: courseID,
		Role: role, Content: content, CreatedAt: now,
	}, nil
}

// History returns the most recent messages for a course in chronological
// order, capped at limit.
func (s *ChatService) History(ctx context.Context, userID, courseID int64, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, course_id, role, content, created_at FROM (
			SELECT id, user_id, course_id, role, content, created_at
			FROM chat_messages
			WHERE user_id = ? AND course_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at, id`, userID, courseID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.CourseID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Clear deletes a course's conversation.
func (s *ChatService) Clear(ctx context.Context, userID, courseID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE user_id = ? AND course_id = ?`, userID, courseID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
