// Package extract turns course file URLs into plain text for the
// generation pipeline. Extraction is best-effort: any failure yields empty
// text and a log line, never an error, so one bad file cannot sink a
// multi-file context build.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"

	"coursepilot/internal/canvas"
)

// Service downloads and extracts text from Canvas-hosted documents.
type Service struct {
	client *http.Client
	log    zerolog.Logger
}

func NewService(timeout time.Duration, log zerolog.Logger) *Service {
	return &Service{
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "extract").Logger(),
	}
}

// ExtractText fetches a URL with the given credential and returns its plain
// text. HTML responses are treated as redirector pages first: a file preview
// frame or a download anchor is followed before giving up and stripping the
// page itself. Unsupported content types yield empty text.
func (s *Service) ExtractText(ctx context.Context, rawURL string, cred canvas.Credential) string {
	body, contentType, err := s.fetch(ctx, rawURL, cred)
	if err != nil {
		s.log.Warn().Str("url", rawURL).Err(err).Msg("fetch failed")
		return ""
	}

	if isHTMLType(contentType, body) {
		if fileURL := findFileLink(body, baseOf(rawURL, cred)); fileURL != "" {
			fileBody, fileType, err := s.fetch(ctx, fileURL, cred)
			if err != nil {
				s.log.Warn().Str("url", fileURL).Err(err).Msg("redirected fetch failed")
			} else if !isHTMLType(fileType, fileBody) {
				body, contentType = fileBody, fileType
			}
		}
	}

	switch {
	case strings.Contains(strings.ToLower(contentType), "pdf") || bytes.HasPrefix(body, []byte("%PDF")):
		doc, err := openPDF(body)
		if err != nil {
			s.log.Warn().Str("url", rawURL).Err(err).Msg("pdf parse failed")
			return ""
		}
		return PagesText(doc, s.log)
	case isHTMLType(contentType, body):
		return VisibleText(body)
	case strings.Contains(strings.ToLower(contentType), "text/"):
		return strings.TrimSpace(string(body))
	default:
		s.log.Debug().Str("url", rawURL).Str("content_type", contentType).Msg("unsupported content type")
		return ""
	}
}

func (s *Service) fetch(ctx context.Context, rawURL string, cred canvas.Credential) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	switch cred.Kind {
	case canvas.CredentialToken:
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
	case canvas.CredentialCookie:
		req.Header.Set("Cookie", cred.CookieName+"="+cred.Secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	// 20MB cap keeps a mislabeled video from ballooning memory.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func baseOf(rawURL string, cred canvas.Credential) string {
	if cred.BaseURL != "" {
		return cred.BaseURL
	}
	if idx := strings.Index(rawURL, "://"); idx > 0 {
		if slash := strings.Index(rawURL[idx+3:], "/"); slash > 0 {
			return rawURL[:idx+3+slash]
		}
	}
	return rawURL
}

func isHTMLType(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	head := strings.ToLower(string(body))
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype")
}

// findFileLink locates the actual file behind a Canvas redirector page. The
// preview iframe wins; otherwise the first anchor that both points into
// /files/ and mentions download or preview.
func findFileLink(body []byte, baseURL string) string {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var frameSrc, anchorHref string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "iframe":
				if frameSrc == "" && attrVal(n, "id") == "file_content" {
					frameSrc = attrVal(n, "src")
				}
			case "a":
				href := attrVal(n, "href")
				lower := strings.ToLower(href)
				if anchorHref == "" && strings.Contains(lower, "/files/") &&
					(strings.Contains(lower, "download") || strings.Contains(lower, "preview")) {
					anchorHref = href
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	href := frameSrc
	if href == "" {
		href = anchorHref
	}
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(href, "/")
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// VisibleText strips script and style subtrees from an HTML document and
// returns the remaining text with whitespace collapsed.
func VisibleText(body []byte) string {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// pagedDocument is the slice of a PDF reader the page loop needs.
type pagedDocument interface {
	NumPage() int
	PageText(i int) (string, error)
}

type pdfDocument struct {
	reader *pdf.Reader
}

func openPDF(data []byte) (pagedDocument, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &pdfDocument{reader: reader}, nil
}

func (d *pdfDocument) NumPage() int { return d.reader.NumPage() }

func (d *pdfDocument) PageText(i int) (text string, err error) {
	// The underlying parser panics on malformed content streams.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: %v", i, r)
		}
	}()
	page := d.reader.Page(i)
	if page.V.IsNull() {
		return "", fmt.Errorf("page %d: missing", i)
	}
	return page.GetPlainText(nil)
}

// PagesText concatenates per-page text with newline separators. A failing
// page is skipped and logged; the rest of the document still comes through.
func PagesText(doc pagedDocument, log zerolog.Logger) string {
	var parts []string
	for i := 1; i <= doc.NumPage(); i++ {
		text, err := doc.PageText(i)
		if err != nil {
			log.Debug().Int("page", i).Err(err).Msg("skipping unreadable pdf page")
			continue
		}
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n")
}
