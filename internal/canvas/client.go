package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"coursepilot/internal/models"
)

// TransportError wraps a network or HTTP failure talking to Canvas. It is
// retryable and, during a multi-course sync, non-fatal: the orchestrator
// collects it and moves on.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("canvas %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("canvas %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteCourse is the normalized course shape both discovery paths produce.
type RemoteCourse struct {
	ID         string
	Name       string
	Code       string
	Term       string
	Instructor string
	Progress   float64
}

// RemoteModule is a discovered module with its ordered items.
type RemoteModule struct {
	Name  string
	Items []models.ModuleItem
}

// RemoteAssignment is the normalized assignment shape.
type RemoteAssignment struct {
	ID              string
	Name            string
	DueAt           string
	HTMLURL         string
	Points          float64
	SubmissionTypes []string
	WorkflowState   string
}

// RemoteUser identifies the Canvas account a credential belongs to.
type RemoteUser struct {
	ID    string
	Name  string
	Email string
}

// Source enumerates a user's courses, modules, and files. Two implementations
// exist: the typed REST client for token credentials and the session client
// for cookie credentials. Callers never branch on credential shape.
type Source interface {
	CurrentUser(ctx context.Context) (RemoteUser, error)
	ListCourses(ctx context.Context) ([]RemoteCourse, error)
	ListModules(ctx context.Context, courseID string) ([]RemoteModule, error)
	ListFiles(ctx context.Context, courseID string) ([]models.FileRef, error)
	ListAssignments(ctx context.Context, courseID string) ([]RemoteAssignment, error)
}

// NewSource selects the discovery implementation for a credential.
func NewSource(cred Credential, timeout time.Duration, log zerolog.Logger) Source {
	if cred.Kind == CredentialCookie {
		return NewSessionClient(cred, timeout, log)
	}
	return NewAPIClient(cred, timeout, log)
}

// APIClient talks to the versioned Canvas REST API with a bearer token.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

func NewAPIClient(cred Credential, timeout time.Duration, log zerolog.Logger) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(cred.BaseURL, "/"),
		token:   cred.Secret,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "canvas_api").Logger(),
	}
}

func (c *APIClient) apiURL(endpoint string) string {
	return c.baseURL + "/api/v1/" + strings.TrimLeft(endpoint, "/")
}

func (c *APIClient) get(ctx context.Context, rawURL string, params url.Values, out any) error {
	if params != nil {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &TransportError{Op: "request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: "get", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: "get " + rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "read body", Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &TransportError{Op: "decode body", Err: err}
	}
	return nil
}

// getPaginated follows the Link header's rel="next" relation until absent.
// Pages are fetched sequentially; a non-2xx response anywhere surfaces a
// transport error instead of silently truncating results.
func (c *APIClient) getPaginated(ctx context.Context, endpoint string, params url.Values) ([]json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("per_page", "100")

	var all []json.RawMessage
	next := c.apiURL(endpoint) + "?" + params.Encode()

	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, &TransportError{Op: "request", Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, &TransportError{Op: "get " + endpoint, Err: err}
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, &TransportError{Op: "read body", Err: readErr}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &TransportError{Op: "get " + endpoint, Status: resp.StatusCode}
		}

		var page []json.RawMessage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &TransportError{Op: "decode page", Err: err}
		}
		all = append(all, page...)

		next = ParseNextLink(resp.Header.Get("Link"))
	}

	return all, nil
}

// ParseNextLink extracts the rel="next" URL from a Canvas Link header, or
// returns the empty string when there is no next page.
func ParseNextLink(header string) string {
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ",") {
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		segment := strings.SplitN(part, ";", 2)[0]
		return strings.Trim(strings.TrimSpace(segment), "<> ")
	}
	return ""
}

func (c *APIClient) CurrentUser(ctx context.Context) (RemoteUser, error) {
	var payload struct {
		ID           json.Number `json:"id"`
		Name         string      `json:"name"`
		PrimaryEmail string      `json:"primary_email"`
		Email        string      `json:"email"`
	}
	if err := c.get(ctx, c.apiURL("users/self"), nil, &payload); err != nil {
		return RemoteUser{}, err
	}
	email := payload.PrimaryEmail
	if email == "" {
		email = payload.Email
	}
	return RemoteUser{ID: payload.ID.String(), Name: payload.Name, Email: email}, nil
}

type apiCourse struct {
	ID         json.Number `json:"id"`
	Name       string      `json:"name"`
	CourseCode string      `json:"course_code"`
	Term       *struct {
		Name string `json:"name"`
	} `json:"term"`
	CourseProgress *struct {
		Completion float64 `json:"completion"`
	} `json:"course_progress"`
	Teachers []struct {
		DisplayName string `json:"display_name"`
	} `json:"teachers"`
}

func (a apiCourse) normalize() RemoteCourse {
	course := RemoteCourse{
		ID:         a.ID.String(),
		Name:       a.Name,
		Code:       a.CourseCode,
		Term:       "Unknown Term",
		Instructor: "Unknown Instructor",
	}
	if a.Term != nil && a.Term.Name != "" {
		course.Term = a.Term.Name
	}
	if a.CourseProgress != nil {
		course.Progress = a.CourseProgress.Completion
	}
	if len(a.Teachers) > 0 && a.Teachers[0].DisplayName != "" {
		course.Instructor = a.Teachers[0].DisplayName
	}
	return course
}

func (c *APIClient) ListCourses(ctx context.Context) ([]RemoteCourse, error) {
	params := url.Values{}
	params.Set("enrollment_state", "active")
	params.Add("include[]", "term")
	params.Add("include[]", "course_progress")
	params.Add("include[]", "teachers")

	raw, err := c.getPaginated(ctx, "courses", params)
	if err != nil {
		return nil, err
	}

	courses := make([]RemoteCourse, 0, len(raw))
	for _, msg := range raw {
		var course apiCourse
		if err := json.Unmarshal(msg, &course); err != nil {
			continue
		}
		if course.ID.String() == "" || course.Name == "" {
			continue
		}
		courses = append(courses, course.normalize())
	}
	return courses, nil
}

func (c *APIClient) ListModules(ctx context.Context, courseID string) ([]RemoteModule, error) {
	params := url.Values{}
	params.Add("include[]", "items")

	raw, err := c.getPaginated(ctx, fmt.Sprintf("courses/%s/modules", courseID), params)
	if err != nil {
		return nil, err
	}

	modules := make([]RemoteModule, 0, len(raw))
	for _, msg := range raw {
		var payload struct {
			Name  string `json:"name"`
			Items []struct {
				Title   string `json:"title"`
				HTMLURL string `json:"html_url"`
				URL     string `json:"url"`
			} `json:"items"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil || payload.Name == "" {
			continue
		}
		module := RemoteModule{Name: payload.Name}
		for _, item := range payload.Items {
			link := item.HTMLURL
			if link == "" {
				link = item.URL
			}
			if item.Title == "" || link == "" {
				continue
			}
			module.Items = append(module.Items, models.ModuleItem{Title: item.Title, URL: link})
		}
		modules = append(modules, module)
	}
	return modules, nil
}

func (c *APIClient) ListFiles(ctx context.Context, courseID string) ([]models.FileRef, error) {
	raw, err := c.getPaginated(ctx, fmt.Sprintf("courses/%s/files", courseID), nil)
	if err != nil {
		return nil, err
	}

	files := make([]models.FileRef, 0, len(raw))
	for _, msg := range raw {
		file, ok := decodeAPIFile(msg, c.baseURL, courseID)
		if !ok {
			continue
		}
		files = append(files, file)
	}
	return files, nil
}

func decodeAPIFile(msg json.RawMessage, baseURL, courseID string) (models.FileRef, bool) {
	var payload struct {
		ID          json.Number `json:"id"`
		DisplayName string      `json:"display_name"`
		Filename    string      `json:"filename"`
		URL         string      `json:"url"`
		Size        int64       `json:"size"`
		ContentType string      `json:"content-type"`
		UpdatedAt   string      `json:"updated_at"`
	}
	if err := json.Unmarshal(msg, &payload); err != nil {
		return models.FileRef{}, false
	}

	name := payload.DisplayName
	if name == "" {
		name = payload.Filename
	}
	fileURL := payload.URL
	if fileURL == "" && payload.ID.String() != "" {
		fileURL = fmt.Sprintf("%s/courses/%s/files/%s/download", baseURL, courseID, payload.ID.String())
	}
	if name == "" || fileURL == "" {
		return models.FileRef{}, false
	}

	contentType := payload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return models.FileRef{
		Name:        name,
		URL:         fileURL,
		Size:        payload.Size,
		ContentType: contentType,
		UpdatedAt:   payload.UpdatedAt,
	}, true
}

func (c *APIClient) ListAssignments(ctx context.Context, courseID string) ([]RemoteAssignment, error) {
	params := url.Values{}
	params.Add("include[]", "submission")

	raw, err := c.getPaginated(ctx, fmt.Sprintf("courses/%s/assignments", courseID), params)
	if err != nil {
		return nil, err
	}

	assignments := make([]RemoteAssignment, 0, len(raw))
	for _, msg := range raw {
		var payload struct {
			ID              json.Number `json:"id"`
			Name            string      `json:"name"`
			DueAt           string      `json:"due_at"`
			HTMLURL         string      `json:"html_url"`
			PointsPossible  float64     `json:"points_possible"`
			SubmissionTypes []string    `json:"submission_types"`
			Submission      *struct {
				WorkflowState string `json:"workflow_state"`
			} `json:"submission"`
		}
		if err := json.Unmarshal(msg, &payload); err != nil || payload.ID.String() == "" {
			continue
		}
		assignment := RemoteAssignment{
			ID:              payload.ID.String(),
			Name:            payload.Name,
			DueAt:           payload.DueAt,
			HTMLURL:         payload.HTMLURL,
			Points:          payload.PointsPossible,
			SubmissionTypes: payload.SubmissionTypes,
		}
		if payload.Submission != nil {
			assignment.WorkflowState = payload.Submission.WorkflowState
		}
		assignments = append(assignments, assignment)
	}
	return assignments, nil
}
