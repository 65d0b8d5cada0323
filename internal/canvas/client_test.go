package canvas_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coursepilot/internal/canvas"
)

func tokenCred(baseURL string) canvas.Credential {
	return canvas.Credential{Kind: canvas.CredentialToken, Secret: "tok", BaseURL: baseURL}
}

func cookieCred(baseURL string) canvas.Credential {
	return canvas.Credential{
		Kind:       canvas.CredentialCookie,
		Secret:     "sess",
		BaseURL:    baseURL,
		CookieName: "canvas_session",
	}
}

func TestParseNextLink(t *testing.T) {
	header := `<https://c.example.edu/api/v1/courses?page=2&per_page=100>; rel="next", ` +
		`<https://c.example.edu/api/v1/courses?page=4&per_page=100>; rel="last"`
	if got := canvas.ParseNextLink(header); got != "https://c.example.edu/api/v1/courses?page=2&per_page=100" {
		t.Errorf("Unexpected next link: %q", got)
	}
	if got := canvas.ParseNextLink(`<https://c.example.edu/x>; rel="last"`); got != "" {
		t.Errorf("Expected empty when no next relation, got %q", got)
	}
	if got := canvas.ParseNextLink(""); got != "" {
		t.Errorf("Expected empty for empty header, got %q", got)
	}
}

func TestAPIClient_ListCoursesPaginated(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Expected bearer auth header, got %q", got)
		}
		if got := r.URL.Query().Get("per_page"); got != "100" {
			t.Errorf("Expected per_page=100, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"id": 3, "name": "Course C", "course_code": "C"}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/api/v1/courses?page=2&per_page=100>; rel="next"`, server.URL))
		fmt.Fprint(w, `[{"id": 1, "name": "Course A", "course_code": "A"}, {"id": 2, "name": "Course B", "course_code": "B"}]`)
	}))
	defer server.Close()

	client := canvas.NewAPIClient(tokenCred(server.URL), 5*time.Second, zerolog.Nop())
	courses, err := client.ListCourses(context.Background())
	if err != nil {
		t.Fatalf("ListCourses failed: %v", err)
	}
	if len(courses) != 3 {
		t.Fatalf("Expected 3 courses across 2 pages, got %d", len(courses))
	}
	if courses[2].ID != "3" || courses[2].Name != "Course C" {
		t.Errorf("Unexpected last course: %+v", courses[2])
	}
}

func TestAPIClient_NonOKSurfacesTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer server.Close()

	client := canvas.NewAPIClient(tokenCred(server.URL), 5*time.Second, zerolog.Nop())
	_, err := client.ListCourses(context.Background())
	if err == nil {
		t.Fatal("Expected error on 502, got nil")
	}
	var terr *canvas.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected TransportError, got %T: %v", err, err)
	}
	if terr.Status != http.StatusBadGateway {
		t.Errorf("Expected status 502 recorded, got %d", terr.Status)
	}
}

func TestSessionClient_LoginPageMeansExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><form id="login_form">Please sign in with your password</form></body></html>`)
	}))
	defer server.Close()

	client := canvas.NewSessionClient(cookieCred(server.URL), 5*time.Second, zerolog.Nop())
	_, err := client.ListCourses(context.Background())
	if !errors.Is(err, canvas.ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired, got %v", err)
	}
}

func TestSessionClient_RedirectToLoginMeansExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/login/canvas")
		w.WriteHeader(http.StatusFound)
	}))
	defer server.Close()

	client := canvas.NewSessionClient(cookieCred(server.URL), 5*time.Second, zerolog.Nop())
	_, err := client.ListCourses(context.Background())
	if !errors.Is(err, canvas.ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired on 302 to login, got %v", err)
	}
}

func TestSessionClient_ScrapeFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/courses", func(w http.ResponseWriter, r *http.Request) {
		// Cookie auth sometimes gets a generic HTML shell from API routes.
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<!DOCTYPE html><html><body>app shell</body></html>`)
	})
	mux.HandleFunc("/courses", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Cookie"); got != "canvas_session=sess" {
			t.Errorf("Expected session cookie forwarded, got %q", got)
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<!DOCTYPE html><html><body>
			<a href="/courses/101">Intro CS F25</a>
			<a href="/courses/101">Intro CS F25</a>
			<a href="/courses/202">Operating Systems F25</a>
			<a href="/about">About</a>
		</body></html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := canvas.NewSessionClient(cookieCred(server.URL), 5*time.Second, zerolog.Nop())
	courses, err := client.ListCourses(context.Background())
	if err != nil {
		t.Fatalf("ListCourses failed: %v", err)
	}
	if len(courses) != 2 {
		t.Fatalf("Expected 2 deduplicated courses, got %d: %+v", len(courses), courses)
	}
	if courses[0].ID != "101" || courses[1].ID != "202" {
		t.Errorf("Unexpected course ids: %+v", courses)
	}
}

func TestSessionClient_ScrapeModules(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/courses/7/modules", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<!DOCTYPE html><html><body>app shell</body></html>`)
	})
	mux.HandleFunc("/courses/7/modules", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<!DOCTYPE html><html><body>
			<div class="context_module" aria-label="Week 1: Foundations">
				<li class="context_module_item"><a href="/courses/7/files/11?wrap=1">Syllabus.pdf</a></li>
				<li class="context_module_item"><a href="/courses/7/pages/intro">Intro Page</a></li>
			</div>
			<div class="context_module" aria-label="Week 2: Processes">
				<li class="context_module_item"><a href="/courses/7/files/12?wrap=1">Slides.pdf</a></li>
			</div>
		</body></html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := canvas.NewSessionClient(cookieCred(server.URL), 5*time.Second, zerolog.Nop())
	modules, err := client.ListModules(context.Background(), "7")
	if err != nil {
		t.Fatalf("ListModules failed: %v", err)
	}
	if len(modules) != 2 {
		t.Fatalf("Expected 2 modules, got %d: %+v", len(modules), modules)
	}
	if modules[0].Name != "Week 1: Foundations" || len(modules[0].Items) != 2 {
		t.Errorf("Unexpected first module: %+v", modules[0])
	}
	if modules[0].Items[0].URL != server.URL+"/courses/7/files/11?wrap=1" {
		t.Errorf("Expected item URL made absolute, got %q", modules[0].Items[0].URL)
	}
}
