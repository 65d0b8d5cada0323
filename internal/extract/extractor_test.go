package extract

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coursepilot/internal/canvas"
)

func testService() *Service {
	return NewService(5*time.Second, zerolog.Nop())
}

func TestExtractText_HTMLVisibleText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><style>body{color:red}</style></head>
			<body><script>var x = 1;</script><p>Lecture notes on   scheduling.</p></body></html>`)
	}))
	defer server.Close()

	got := testService().ExtractText(context.Background(), server.URL, canvas.Credential{})
	if got != "Lecture notes on scheduling." {
		t.Errorf("Unexpected text: %q", got)
	}
}

func TestExtractText_FollowsRedirectorAnchor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/courses/1/pages/syllabus", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<a href="/courses/1/files/9/download?download_frd=1">Download Syllabus</a>
		</body></html>`)
	})
	mux.HandleFunc("/courses/1/files/9/download", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Expected bearer header on file fetch, got %q", got)
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "grading policy: weekly quizzes")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cred := canvas.Credential{Kind: canvas.CredentialToken, Secret: "tok", BaseURL: server.URL}
	got := testService().ExtractText(context.Background(), server.URL+"/courses/1/pages/syllabus", cred)
	if got != "grading policy: weekly quizzes" {
		t.Errorf("Expected file text, got %q", got)
	}
}

func TestExtractText_FollowsPreviewFrame(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/42", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<iframe id="file_content" src="/files/42/raw"></iframe>
			<a href="/files/42/download">also a download link</a>
		</body></html>`)
	})
	mux.HandleFunc("/files/42/raw", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "frame wins over anchor")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cred := canvas.Credential{BaseURL: server.URL}
	got := testService().ExtractText(context.Background(), server.URL+"/files/42", cred)
	if got != "frame wins over anchor" {
		t.Errorf("Expected frame target text, got %q", got)
	}
}

func TestExtractText_UnsupportedTypeIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte{0x00, 0x01, 0x02})
	}))
	defer server.Close()

	if got := testService().ExtractText(context.Background(), server.URL, canvas.Credential{}); got != "" {
		t.Errorf("Expected empty text for unsupported type, got %q", got)
	}
}

func TestExtractText_FetchFailureIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	if got := testService().ExtractText(context.Background(), server.URL, canvas.Credential{}); got != "" {
		t.Errorf("Expected empty text on 404, got %q", got)
	}
}

// fakeDocument simulates a PDF where some pages fail to parse.
type fakeDocument struct {
	pages   []string
	failing map[int]bool
}

func (f *fakeDocument) NumPage() int { return len(f.pages) }

func (f *fakeDocument) PageText(i int) (string, error) {
	if f.failing[i] {
		return "", fmt.Errorf("page %d: corrupt content stream", i)
	}
	return f.pages[i-1], nil
}

func TestPagesText_SkipsFailingPages(t *testing.T) {
	doc := &fakeDocument{failing: map[int]bool{4: true}}
	for i := 1; i <= 10; i++ {
		doc.pages = append(doc.pages, fmt.Sprintf("page %d text", i))
	}

	got := PagesText(doc, zerolog.Nop())
	lines := strings.Split(got, "\n")
	if len(lines) != 9 {
		t.Fatalf("Expected 9 pages of text, got %d: %q", len(lines), got)
	}
	if strings.Contains(got, "page 4 text") {
		t.Error("Failing page should be absent from output")
	}
	if lines[0] != "page 1 text" || lines[8] != "page 10 text" {
		t.Errorf("Page order broken: %v", lines)
	}
}

func TestVisibleText_MalformedHTML(t *testing.T) {
	// The parser is lenient; even broken markup should yield its text.
	got := VisibleText([]byte(`<p>unclosed paragraph <b>bold`))
	if got != "unclosed paragraph bold" {
		t.Errorf("Unexpected text: %q", got)
	}
}
