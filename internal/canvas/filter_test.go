package canvas_test

import (
	"testing"

	"coursepilot/internal/canvas"
)

func TestFilterActive(t *testing.T) {
	courses := []canvas.RemoteCourse{
		{ID: "1", Name: "Intro CS F25"},
		{ID: "2", Name: "Sandbox Demo F25"},
		{ID: "3", Name: "Intro CS S24"},
	}

	got := canvas.FilterActive(courses, []string{"sandbox", "template"}, []string{"f25"})

	if len(got) != 1 {
		t.Fatalf("Expected 1 course, got %d: %+v", len(got), got)
	}
	if got[0].Name != "Intro CS F25" {
		t.Errorf("Expected 'Intro CS F25', got %q", got[0].Name)
	}
}

func TestFilterActive_TermFieldMatch(t *testing.T) {
	courses := []canvas.RemoteCourse{
		{ID: "1", Name: "Operating Systems", Term: "Fall 2025"},
		{ID: "2", Name: "Databases", Term: "Spring 2024"},
	}

	got := canvas.FilterActive(courses, nil, []string{"fall 2025"})

	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("Expected only the Fall 2025 course, got %+v", got)
	}
}

func TestFilterActive_NoMarkersKeepsAll(t *testing.T) {
	courses := []canvas.RemoteCourse{
		{ID: "1", Name: "Algorithms"},
		{ID: "2", Name: "Compilers"},
	}

	got := canvas.FilterActive(courses, nil, nil)
	if len(got) != 2 {
		t.Fatalf("Expected all courses kept without markers, got %d", len(got))
	}
}

func TestShortCode(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"CIS4930.001F25 Special Topics", "CIS4930"},
		{"COP4600 Operating Systems", "COP4600"},
		{"Single", "Single"},
	}
	for _, tc := range cases {
		if got := canvas.ShortCode(tc.name); got != tc.want {
			t.Errorf("ShortCode(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
