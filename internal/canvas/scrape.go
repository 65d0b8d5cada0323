package canvas

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"coursepilot/internal/models"
)

var (
	courseHrefRe = regexp.MustCompile(`/courses/(\d+)`)
	fileHrefRe   = regexp.MustCompile(`/files/(\d+)`)
)

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// nodeText collects the visible text under a node, skipping script and style
// subtrees, with runs of whitespace collapsed.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style") {
			return
		}
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func eachNode(root *html.Node, fn func(*html.Node)) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		fn(n)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
}

// scrapeCourses pulls (id, name) pairs out of a Canvas courses or dashboard
// page by matching anchors whose href contains /courses/{id}. Duplicate ids
// keep the first non-empty name seen.
func scrapeCourses(body []byte) []RemoteCourse {
	root, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	seen := make(map[string]int)
	var courses []RemoteCourse
	eachNode(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		m := courseHrefRe.FindStringSubmatch(attr(n, "href"))
		if m == nil {
			return
		}
		id := m[1]
		name := nodeText(n)
		if name == "" {
			name = attr(n, "title")
		}
		if idx, ok := seen[id]; ok {
			if courses[idx].Name == "" && name != "" {
				courses[idx].Name = name
			}
			return
		}
		seen[id] = len(courses)
		courses = append(courses, RemoteCourse{
			ID:         id,
			Name:       name,
			Code:       name,
			Term:       "Unknown Term",
			Instructor: "Unknown Instructor",
		})
	})

	out := courses[:0]
	for _, c := range courses {
		if c.Name != "" {
			out = append(out, c)
		}
	}
	return out
}

// scrapeModules parses a course modules page. Each div.context_module
// becomes a module named by its header; li.context_module_item anchors
// become the ordered items.
func scrapeModules(body []byte, baseURL string) []RemoteModule {
	root, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	var modules []RemoteModule
	eachNode(root, func(n *html.Node) {
		if n.Type != html.ElementNode || !hasClass(n, "context_module") {
			return
		}
		name := attr(n, "aria-label")
		if name == "" {
			name = strings.TrimSpace(attr(n, "data-module-name"))
		}

		module := RemoteModule{}
		eachNode(n, func(child *html.Node) {
			if child.Type != html.ElementNode {
				return
			}
			if name == "" && hasClass(child, "name") {
				name = nodeText(child)
			}
			if !hasClass(child, "context_module_item") {
				return
			}
			eachNode(child, func(link *html.Node) {
				if link.Type != html.ElementNode || link.Data != "a" {
					return
				}
				href := attr(link, "href")
				title := nodeText(link)
				if href == "" || title == "" {
					return
				}
				module.Items = append(module.Items, models.ModuleItem{
					Title: title,
					URL:   absoluteURL(baseURL, href),
				})
			})
		})

		name = strings.TrimSpace(name)
		if name == "" || strings.EqualFold(name, "module") {
			return
		}
		module.Name = name
		modules = append(modules, module)
	})
	return modules
}

// scrapeFiles pulls file anchors (/files/{id}) out of a course files page.
func scrapeFiles(body []byte, baseURL, courseID string) []models.FileRef {
	root, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var files []models.FileRef
	eachNode(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		m := fileHrefRe.FindStringSubmatch(attr(n, "href"))
		if m == nil {
			return
		}
		id := m[1]
		if seen[id] {
			return
		}
		name := nodeText(n)
		if name == "" {
			return
		}
		seen[id] = true
		files = append(files, models.FileRef{
			Name:        name,
			URL:         baseURL + "/courses/" + courseID + "/files/" + id + "/download",
			ContentType: guessContentType(name),
		})
	})
	return files
}

func absoluteURL(baseURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if strings.HasPrefix(href, "/") {
		return baseURL + href
	}
	return baseURL + "/" + href
}

func guessContentType(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(lower, ".html"), strings.HasSuffix(lower, ".htm"):
		return "text/html"
	case strings.HasSuffix(lower, ".txt"), strings.HasSuffix(lower, ".md"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
