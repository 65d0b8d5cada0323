package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
	"github.com/rs/zerolog"

	"coursepilot/internal/canvas"
	"coursepilot/internal/config"
	"coursepilot/internal/models"
	"coursepilot/internal/services"
)

type Server struct {
	mux        *http.ServeMux
	cfg        config.Config
	users      *services.UserService
	sync       *services.SyncService
	generator  *services.Generator
	flashcards *services.FlashcardService
	quizzes    *services.QuizService
	chat       *services.ChatService
	jobs       *JobManager
	log        zerolog.Logger
}

func NewServer(
	cfg config.Config,
	users *services.UserService,
	syncSvc *services.SyncService,
	generator *services.Generator,
	flashcards *services.FlashcardService,
	quizzes *services.QuizService,
	chat *services.ChatService,
	log zerolog.Logger,
) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		cfg:        cfg,
		users:      users,
		sync:       syncSvc,
		generator:  generator,
		flashcards: flashcards,
		quizzes:    quizzes,
		chat:       chat,
		jobs:       NewJobManager(),
		log:        log.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/canvas/connect", s.handleCanvasConnect)
	s.mux.HandleFunc("/api/canvas/session", s.handleCanvasSession)
	s.mux.HandleFunc("/api/canvas/sync", s.handleCanvasSync)
	s.mux.HandleFunc("/api/canvas/sync/jobs/", s.handleSyncJobStatus)
	s.mux.HandleFunc("/api/courses", s.handleListCourses)
	s.mux.HandleFunc("/api/courses/", s.handleCourseActions)
	s.mux.HandleFunc("/api/assignments", s.handleListAssignments)
	s.mux.HandleFunc("/api/flashcards/generate", s.handleGenerateFlashcards)
	s.mux.HandleFunc("/api/flashcards/sets", s.handleListSets)
	s.mux.HandleFunc("/api/flashcards/sets/", s.handleSetActions)
	s.mux.HandleFunc("/api/flashcards/due", s.handleDueCards)
	s.mux.HandleFunc("/api/flashcards/review", s.handleReviewCard)
	s.mux.HandleFunc("/api/quizzes/generate", s.handleGenerateQuiz)
	s.mux.HandleFunc("/api/quizzes", s.handleListQuizzes)
	s.mux.HandleFunc("/api/quizzes/", s.handleQuizActions)
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/chat/history", s.handleChatHistory)
	s.mux.HandleFunc("/api/recall/question", s.handleRecallQuestion)
	s.mux.HandleFunc("/api/recall/grade", s.handleRecallGrade)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// currentUser loads the account identified by the X-User-ID header (or the
// user_id query parameter).
func (s *Server) currentUser(r *http.Request) (*models.User, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, services.ErrUserNotFound
	}
	return s.users.ByID(r.Context(), id)
}

func (s *Server) handleCanvasConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		InstanceURL   string `json:"instance_url"`
		AccessToken   string `json:"access_token"`
		SessionCookie string `json:"session_cookie"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.AccessToken == "" && req.SessionCookie == "" {
		writeError(w, http.StatusBadRequest, "access_token or session_cookie is required")
		return
	}

	baseURL := strings.TrimRight(req.InstanceURL, "/")
	if baseURL == "" {
		baseURL = s.cfg.CanvasURL
	}
	cred := canvas.Credential{Kind: canvas.CredentialToken, Secret: req.AccessToken, BaseURL: baseURL}
	if req.AccessToken == "" {
		cred = canvas.Credential{
			Kind:       canvas.CredentialCookie,
			Secret:     strings.Trim(strings.TrimSpace(req.SessionCookie), `"'`),
			BaseURL:    baseURL,
			CookieName: s.cfg.SessionCookieName,
		}
	}
	source := canvas.NewSource(cred, s.cfg.HTTPTimeout, s.log)

	user, err := s.users.Connect(r.Context(), req.InstanceURL, req.AccessToken, req.SessionCookie, source)
	if err != nil {
		s.writeCanvasError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   user.ID,
		"name":      user.Name,
		"email":     user.Email,
		"canvas_id": user.CanvasUserID,
	})
}

func (s *Server) handleCanvasSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var req struct {
		SessionCookie string `json:"session_cookie"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionCookie == "" {
		writeError(w, http.StatusBadRequest, "session_cookie is required")
		return
	}
	if err := s.users.RefreshSessionCookie(r.Context(), user.ID, req.SessionCookie); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleCanvasSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}

	jobID := s.jobs.CreateJob()
	go s.runSyncJob(jobID, user)

	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) runSyncJob(jobID string, user *models.User) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	s.jobs.MarkProcessing(jobID)
	result, err := s.sync.SyncAll(ctx, user, func(stage string, done, total int) {
		s.jobs.UpdateProgress(jobID, stage, done, total)
	})
	if err != nil {
		s.log.Error().Err(err).Str("job", jobID).Msg("sync job failed")
		s.jobs.MarkFailed(jobID, err.Error())
		return
	}
	s.jobs.MarkCompleted(jobID, result)
}

func (s *Server) handleSyncJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/canvas/sync/jobs/")
	job, ok := s.jobs.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	courses, err := s.sync.Courses(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"courses": courseViews(courses)})
}

// handleCourseActions dispatches /api/courses/{id}, .../modules, .../files.
func (s *Server) handleCourseActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/courses/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	courseID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid course id")
		return
	}

	switch {
	case len(parts) == 1:
		course, err := s.sync.Course(r.Context(), user.ID, courseID)
		if err != nil {
			s.writeCanvasError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, courseView(*course))
	case len(parts) == 2 && parts[1] == "modules":
		modules, err := s.sync.EnsureModules(r.Context(), user, courseID)
		if err != nil {
			s.writeCanvasError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"modules": moduleViews(modules)})
	case len(parts) == 2 && parts[1] == "files":
		files, err := s.sync.CourseFiles(r.Context(), user, courseID)
		if err != nil {
			s.writeCanvasError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": files})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	assignments, err := s.sync.Assignments(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": assignmentViews(assignments)})
}

// moduleContext resolves a module id to the credential, course, module, and
// candidate files for a generation call. Module items that link into the
// files area are preferred; course files fill in when a module has none.
func (s *Server) moduleContext(r *http.Request, user *models.User, moduleID int64) (canvas.Credential, *models.Course, *models.Module, []models.FileRef, error) {
	module, course, err := s.sync.Module(r.Context(), user.ID, moduleID)
	if err != nil {
		return canvas.Credential{}, nil, nil, nil, err
	}
	cred, err := s.sync.ResolveUserCredential(user)
	if err != nil {
		return canvas.Credential{}, nil, nil, nil, err
	}

	var files []models.FileRef
	for _, item := range module.Items {
		if strings.Contains(item.URL, "/files/") || strings.HasSuffix(strings.ToLower(item.Title), ".pdf") {
			files = append(files, models.FileRef{Name: item.Title, URL: item.URL})
		}
	}
	if len(files) == 0 {
		files, err = s.sync.CourseFiles(r.Context(), user, course.ID)
		if err != nil {
			return canvas.Credential{}, nil, nil, nil, err
		}
	}
	return cred, course, module, files, nil
}

func (s *Server) handleGenerateFlashcards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var req struct {
		ModuleID int64  `json:"module_id"`
		Count    int    `json:"count"`
		Save     bool   `json:"save"`
		Title    string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	cred, course, module, files, err := s.moduleContext(r, user, req.ModuleID)
	if err != nil {
		s.writeCanvasError(w, err)
		return
	}

	drafts, sources, err := s.generator.GenerateFlashcards(r.Context(), cred, module.Name, files, req.Count)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	payload := map[string]any{
		"module":     module.Name,
		"flashcards": drafts,
		"sources":    sources,
	}
	if req.Save {
		title := req.Title
		if title == "" {
			title = module.Name
		}
		set, err := s.flashcards.SaveSet(r.Context(), user.ID,
			sql.NullInt64{Int64: course.ID, Valid: true}, module.Name, title, sources, drafts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		payload["set_id"] = set.ID
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListSets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	sets, err := s.flashcards.Sets(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sets": sets})
}

func (s *Server) handleSetActions(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/flashcards/sets/"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid set id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		set, cards, err := s.flashcards.SetWithCards(r.Context(), user.ID, id)
		if err != nil {
			s.writeCanvasError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"set": set, "cards": cardViews(cards)})
	case http.MethodDelete:
		if err := s.flashcards.DeleteSet(r.Context(), user.ID, id); err != nil {
			s.writeCanvasError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) handleDueCards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cards, err := s.flashcards.DueCards(r.Context(), user.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cardViews(cards)})
}

func (s *Server) handleReviewCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var req struct {
		CardID int64 `json:"card_id"`
		Rating int   `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Rating < int(fsrs.Again) || req.Rating > int(fsrs.Easy) {
		writeError(w, http.StatusBadRequest, "rating must be 1 (again) through 4 (easy)")
		return
	}

	card, err := s.flashcards.ReviewCard(r.Context(), user.ID, req.CardID, fsrs.Rating(req.Rating))
	if err != nil {
		s.writeCanvasError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"card": cardView(*card)})
}

func (s *Server) handleGenerateQuiz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var req struct {
		ModuleID int64  `json:"module_id"`
		Count    int    `json:"count"`
		Save     bool   `json:"save"`
		Title    string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	cred, course, module, files, err := s.moduleContext(r, user, req.ModuleID)
	if err != nil {
		s.writeCanvasError(w, err)
		return
	}

	drafts, sources, err := s.generator.GenerateQuiz(r.Context(), cred, module.Name, files, req.Count)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	payload := map[string]any{
		"module":    module.Name,
		"questions": drafts,
		"sources":   sources,
	}
	if req.Save {
		title := req.Title
		if title == "" {
			title = module.Name + " Quiz"
		}
		quiz, err := s.quizzes.SaveQuiz(r.Context(), user.ID,
			sql.NullInt64{Int64: course.ID, Valid: true}, title, "Generated from "+module.Name, drafts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		payload["quiz_id"] = quiz.ID
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListQuizzes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	quizzes, err := s.quizzes.Quizzes(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quizzes": quizzes})
}

// handleQuizActions dispatches /api/quizzes/{id}, .../submit, .../attempts.
func (s *Server) handleQuizActions(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/quizzes/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	quizID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid quiz id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		quiz, err := s.quizzes.Quiz(r.Context(), user.ID, quizID)
		if err != nil {
			s.writeCanvasError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, quizView(quiz, false))
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.quizzes.DeleteQuiz(r.Context(), user.ID, quizID); err != nil {
			s.writeCanvasError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case len(parts) == 2 && parts[1] == "submit" && r.Method == http.MethodPost:
		var req struct {
			Answers map[string]string `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		answers := make(map[int64]string, len(req.Answers))
		for k, v := range req.Answers {
			qid, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				continue
			}
			answers[qid] = v
		}
		attempt, results, err := s.quizzes.SubmitAttempt(r.Context(), user.ID, quizID, answers)
		if err != nil {
			s.writeCanvasError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempt": attempt, "results": results})
	case len(parts) == 2 && parts[1] == "attempts" && r.Method == http.MethodGet:
		attempts, err := s.quizzes.Attempts(r.Context(), user.ID, quizID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var req struct {
		ModuleID int64  `json:"module_id"`
		Message  string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	cred, course, _, files, err := s.moduleContext(r, user, req.ModuleID)
	if err != nil {
		s.writeCanvasError(w, err)
		return
	}

	history, err := s.chat.History(r.Context(), user.ID, course.ID, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	answer, sources, err := s.generator.Chat(r.Context(), cred, files, history, req.Message)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	if _, err := s.chat.Append(r.Context(), user.ID, course.ID, "user", req.Message); err != nil {
		s.log.Warn().Err(err).Msg("failed to store user message")
	}
	if _, err := s.chat.Append(r.Context(), user.ID, course.ID, "assistant", answer); err != nil {
		s.log.Warn().Err(err).Msg("failed to store assistant message")
	}

	writeJSON(w, http.StatusOK, map[string]any{"answer": answer, "sources": sources})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	courseID, err := strconv.ParseInt(r.URL.Query().Get("course_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "course_id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		messages, err := s.chat.History(r.Context(), user.ID, courseID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messageViews(messages)})
	case http.MethodDelete:
		if err := s.chat.Clear(r.Context(), user.ID, courseID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) handleRecallQuestion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var req struct {
		ModuleID int64 `json:"module_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	cred, _, module, files, err := s.moduleContext(r, user, req.ModuleID)
	if err != nil {
		s.writeCanvasError(w, err)
		return
	}

	question, sources, err := s.generator.RecallQuestion(r.Context(), cred, files)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"module":   module.Name,
		"question": question,
		"sources":  sources,
	})
}

func (s *Server) handleRecallGrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var req struct {
		ModuleID   int64  `json:"module_id"`
		Question   string `json:"question"`
		Answer     string `json:"answer"`
		Difficulty string `json:"difficulty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.Question == "" || strings.TrimSpace(req.Answer) == "" {
		writeError(w, http.StatusBadRequest, "question and answer are required")
		return
	}

	cred, _, _, files, err := s.moduleContext(r, user, req.ModuleID)
	if err != nil {
		s.writeCanvasError(w, err)
		return
	}

	grade, err := s.generator.GradeRecall(r.Context(), cred, files, req.Question, req.Answer, req.Difficulty)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grade)
}

// writeCanvasError maps service and Canvas failures onto HTTP statuses.
func (s *Server) writeCanvasError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, canvas.ErrNoCredential):
		writeError(w, http.StatusUnauthorized, "no canvas credential on file, reconnect canvas")
	case errors.Is(err, canvas.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "canvas session expired, provide a fresh session cookie")
	case errors.Is(err, services.ErrCourseNotFound),
		errors.Is(err, services.ErrFlashcardNotFound),
		errors.Is(err, services.ErrQuizNotFound),
		errors.Is(err, services.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		var terr *canvas.TransportError
		if errors.As(err, &terr) {
			writeError(w, http.StatusBadGateway, "canvas request failed: "+terr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeGenerationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInsufficientContent):
		writeError(w, http.StatusUnprocessableEntity,
			"not enough readable content in this module's files to generate from")
	case errors.Is(err, services.ErrAIUnavailable):
		writeError(w, http.StatusServiceUnavailable, "ai generation is not configured")
	default:
		var genErr *services.GenerationError
		if errors.As(err, &genErr) {
			s.log.Error().Str("kind", genErr.Kind).Str("raw", genErr.Raw).Msg("generation produced unparseable output")
			writeError(w, http.StatusBadGateway, "generation failed, try again")
			return
		}
		s.writeCanvasError(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
