package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"coursepilot/internal/models"
)

// SessionClient drives Canvas with a browser session cookie. API endpoints
// are tried first because they return structured JSON even for cookie auth;
// when Canvas answers with an HTML page instead, the client falls back to
// scraping that page. A login page anywhere means the session is dead.
type SessionClient struct {
	baseURL    string
	cookie     string
	cookieName string
	client     *http.Client
	log        zerolog.Logger
}

func NewSessionClient(cred Credential, timeout time.Duration, log zerolog.Logger) *SessionClient {
	return &SessionClient{
		baseURL:    cred.BaseURL,
		cookie:     cred.Secret,
		cookieName: cred.CookieName,
		client: &http.Client{
			Timeout: timeout,
			// Redirects are classified, not followed: a 302 to the login
			// page is the session-expiry signal.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log.With().Str("component", "canvas_session").Logger(),
	}
}

// fetch performs a GET with the session cookie attached and classifies the
// response. The cookie value itself is never logged.
func (c *SessionClient) fetch(ctx context.Context, rawURL string) ([]byte, ResponseKind, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, ResponseEmpty, &TransportError{Op: "request", Err: err}
	}
	req.Header.Set("Cookie", c.cookieName+"="+c.cookie)
	req.Header.Set("Accept", "application/json, text/html")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ResponseEmpty, &TransportError{Op: "get", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ResponseHTMLLogin, ErrSessionExpired
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ResponseEmpty, &TransportError{Op: "read body", Err: err}
	}

	kind := Classify(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Header, body)
	if kind == ResponseHTMLLogin {
		c.log.Warn().Str("url", rawURL).Msg("session cookie rejected, landed on login page")
		return nil, kind, ErrSessionExpired
	}
	if resp.StatusCode >= 400 {
		return nil, kind, &TransportError{Op: "get " + rawURL, Status: resp.StatusCode}
	}
	return body, kind, nil
}

// fetchJSON requires a JSON answer; any HTML page short of a login page is a
// signal to try the scraping path instead.
func (c *SessionClient) fetchJSON(ctx context.Context, rawURL string, out any) error {
	body, kind, err := c.fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	if kind != ResponseJSON {
		return fmt.Errorf("expected json at %s, got html", rawURL)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &TransportError{Op: "decode body", Err: err}
	}
	return nil
}

// fetchPaginatedJSON is the cookie-auth twin of the token client's
// pagination loop: per_page=100, follow Link rel="next" until absent.
func (c *SessionClient) fetchPaginatedJSON(ctx context.Context, endpoint string, params url.Values) ([]json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("per_page", "100")
	next := c.baseURL + "/api/v1/" + endpoint + "?" + params.Encode()

	var all []json.RawMessage
	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, &TransportError{Op: "request", Err: err}
		}
		req.Header.Set("Cookie", c.cookieName+"="+c.cookie)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, &TransportError{Op: "get " + endpoint, Err: err}
		}
		body, readErr := io.ReadAll(resp.Body)
		linkHeader := resp.Header.Get("Link")
		status := resp.StatusCode
		header := resp.Header
		contentType := resp.Header.Get("Content-Type")
		resp.Body.Close()
		if readErr != nil {
			return nil, &TransportError{Op: "read body", Err: readErr}
		}

		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, ErrSessionExpired
		}
		switch Classify(status, contentType, header, body) {
		case ResponseHTMLLogin:
			return nil, ErrSessionExpired
		case ResponseJSON:
		default:
			return nil, fmt.Errorf("expected json at %s, got html", endpoint)
		}
		if status >= 400 {
			return nil, &TransportError{Op: "get " + endpoint, Status: status}
		}

		var page []json.RawMessage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &TransportError{Op: "decode page", Err: err}
		}
		all = append(all, page...)
		next = ParseNextLink(linkHeader)
	}
	return all, nil
}

func (c *SessionClient) CurrentUser(ctx context.Context) (RemoteUser, error) {
	var payload struct {
		ID           json.Number `json:"id"`
		Name         string      `json:"name"`
		PrimaryEmail string      `json:"primary_email"`
		Email        string      `json:"email"`
	}
	if err := c.fetchJSON(ctx, c.baseURL+"/api/v1/users/self", &payload); err != nil {
		return RemoteUser{}, err
	}
	email := payload.PrimaryEmail
	if email == "" {
		email = payload.Email
	}
	return RemoteUser{ID: payload.ID.String(), Name: payload.Name, Email: email}, nil
}

func (c *SessionClient) ListCourses(ctx context.Context) ([]RemoteCourse, error) {
	params := url.Values{}
	params.Set("enrollment_state", "active")
	params.Add("include[]", "term")
	params.Add("include[]", "teachers")

	raw, err := c.fetchPaginatedJSON(ctx, "courses", params)
	if err == nil {
		courses := make([]RemoteCourse, 0, len(raw))
		for _, msg := range raw {
			var course apiCourse
			if jsonErr := json.Unmarshal(msg, &course); jsonErr != nil {
				continue
			}
			if course.ID.String() == "" || course.Name == "" {
				continue
			}
			courses = append(courses, course.normalize())
		}
		return courses, nil
	}
	if errors.Is(err, ErrSessionExpired) {
		return nil, err
	}

	// Scrape the courses page instead.
	body, _, fetchErr := c.fetch(ctx, c.baseURL+"/courses")
	if fetchErr != nil {
		return nil, fetchErr
	}
	courses := scrapeCourses(body)
	c.log.Debug().Int("count", len(courses)).Msg("scraped course list from html")
	return courses, nil
}

func (c *SessionClient) ListModules(ctx context.Context, courseID string) ([]RemoteModule, error) {
	params := url.Values{}
	params.Add("include[]", "items")

	raw, err := c.fetchPaginatedJSON(ctx, fmt.Sprintf("courses/%s/modules", courseID), params)
	if err == nil {
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
			if jsonErr := json.Unmarshal(msg, &payload); jsonErr != nil || payload.Name == "" {
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
	if errors.Is(err, ErrSessionExpired) {
		return nil, err
	}

	body, _, fetchErr := c.fetch(ctx, fmt.Sprintf("%s/courses/%s/modules", c.baseURL, courseID))
	if fetchErr != nil {
		return nil, fetchErr
	}
	modules := scrapeModules(body, c.baseURL)
	c.log.Debug().Str("course", courseID).Int("count", len(modules)).Msg("scraped modules from html")
	return modules, nil
}

func (c *SessionClient) ListFiles(ctx context.Context, courseID string) ([]models.FileRef, error) {
	raw, err := c.fetchPaginatedJSON(ctx, fmt.Sprintf("courses/%s/files", courseID), nil)
	if err == nil {
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
	if errors.Is(err, ErrSessionExpired) {
		return nil, err
	}

	body, _, fetchErr := c.fetch(ctx, fmt.Sprintf("%s/courses/%s/files", c.baseURL, courseID))
	if fetchErr != nil {
		return nil, fetchErr
	}
	return scrapeFiles(body, c.baseURL, courseID), nil
}

func (c *SessionClient) ListAssignments(ctx context.Context, courseID string) ([]RemoteAssignment, error) {
	params := url.Values{}
	params.Add("include[]", "submission")

	raw, err := c.fetchPaginatedJSON(ctx, fmt.Sprintf("courses/%s/assignments", courseID), params)
	if err != nil {
		// No scraping fallback for assignments; the page markup carries no
		// due dates worth parsing. Cookie users just get an empty list.
		if errors.Is(err, ErrSessionExpired) {
			return nil, err
		}
		c.log.Debug().Str("course", courseID).Err(err).Msg("assignment listing unavailable over session auth")
		return nil, nil
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

// FetchBody downloads an arbitrary URL with the session cookie attached,
// following same-host redirects manually. The extractor uses this for file
// downloads and module item pages.
func (c *SessionClient) FetchBody(ctx context.Context, rawURL string) ([]byte, string, error) {
	current := rawURL
	for hop := 0; hop < 5; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, "", &TransportError{Op: "request", Err: err}
		}
		req.Header.Set("Cookie", c.cookieName+"="+c.cookie)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, "", &TransportError{Op: "get", Err: err}
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, "", &TransportError{Op: "get " + rawURL, Status: resp.StatusCode}
			}
			kind := Classify(resp.StatusCode, "", resp.Header, nil)
			if kind == ResponseHTMLLogin {
				return nil, "", ErrSessionExpired
			}
			current = absoluteURL(c.baseURL, loc)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		contentType := resp.Header.Get("Content-Type")
		status := resp.StatusCode
		header := resp.Header
		resp.Body.Close()
		if readErr != nil {
			return nil, "", &TransportError{Op: "read body", Err: readErr}
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden ||
			Classify(status, contentType, header, body) == ResponseHTMLLogin {
			return nil, "", ErrSessionExpired
		}
		if status >= 400 {
			return nil, "", &TransportError{Op: "get " + rawURL, Status: status}
		}
		return body, contentType, nil
	}
	return nil, "", &TransportError{Op: "get " + rawURL, Err: fmt.Errorf("too many redirects")}
}
