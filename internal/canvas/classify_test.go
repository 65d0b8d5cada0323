package canvas_test

import (
	"net/http"
	"testing"

	"coursepilot/internal/canvas"
)

func TestClassify_LoginPage(t *testing.T) {
	body := []byte(`<html><body><form id="login_form">Please sign in</form></body></html>`)

	t.Run("Status200", func(t *testing.T) {
		kind := canvas.Classify(200, "text/html", http.Header{}, body)
		if kind != canvas.ResponseHTMLLogin {
			t.Fatalf("Expected ResponseHTMLLogin, got %v", kind)
		}
	})

	t.Run("Status302WithLoginLocation", func(t *testing.T) {
		header := http.Header{}
		header.Set("Location", "https://canvas.example.edu/login/canvas")
		kind := canvas.Classify(302, "", header, nil)
		if kind != canvas.ResponseHTMLLogin {
			t.Fatalf("Expected ResponseHTMLLogin for redirect to login, got %v", kind)
		}
	})
}

func TestClassify_JSON(t *testing.T) {
	t.Run("ObjectBody", func(t *testing.T) {
		kind := canvas.Classify(200, "application/json", http.Header{}, []byte(`{"id": 42}`))
		if kind != canvas.ResponseJSON {
			t.Fatalf("Expected ResponseJSON, got %v", kind)
		}
	})

	t.Run("EmptyArrayIsStillJSON", func(t *testing.T) {
		// Zero results is a success, not a session failure.
		kind := canvas.Classify(200, "application/json", http.Header{}, []byte(`[]`))
		if kind != canvas.ResponseJSON {
			t.Fatalf("Expected ResponseJSON for empty array, got %v", kind)
		}
	})
}

func TestClassify_OtherKinds(t *testing.T) {
	t.Run("EmptyBody", func(t *testing.T) {
		kind := canvas.Classify(200, "text/html", http.Header{}, []byte("   \n"))
		if kind != canvas.ResponseEmpty {
			t.Fatalf("Expected ResponseEmpty, got %v", kind)
		}
	})

	t.Run("PlainHTMLPage", func(t *testing.T) {
		body := []byte(`<!DOCTYPE html><html><body><h1>Course Modules</h1></body></html>`)
		kind := canvas.Classify(200, "text/html", http.Header{}, body)
		if kind != canvas.ResponseHTMLOther {
			t.Fatalf("Expected ResponseHTMLOther, got %v", kind)
		}
	})
}
