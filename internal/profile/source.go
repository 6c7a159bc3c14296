package profile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// SourceType identifies where a profile description is read from.
type SourceType string

const (
	SourceURL  SourceType = "url"
	SourcePDF  SourceType = "pdf"
	SourceText SourceType = "text"

	// maxSourceSize is the maximum allowed size for a description source (25 MB).
	maxSourceSize = 25 * 1024 * 1024
)

func (s SourceType) String() string {
	return string(s)
}

// Source reads persona-descriptive text from an external location.
type Source interface {
	Read(ctx context.Context, location string) (string, error)
}

// DetectSource classifies a location by scheme or extension.
func DetectSource(location string) SourceType {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return SourceURL
	}
	if strings.HasSuffix(strings.ToLower(location), ".pdf") {
		return SourcePDF
	}
	return SourceText
}

// NewSource returns the reader for location.
func NewSource(location string) Source {
	switch DetectSource(location) {
	case SourceURL:
		return &URLSource{}
	case SourcePDF:
		return &PDFSource{}
	default:
		return &TextSource{}
	}
}

// TextSource reads a plain text or JSON file.
type TextSource struct{}

func (t *TextSource) Read(ctx context.Context, location string) (string, error) {
	if err := validateFile(location); err != nil {
		return "", err
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return "", fmt.Errorf("could not read file %s: %w", location, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("file %s is empty", location)
	}
	return text, nil
}

// PDFSource extracts the plain text of a PDF.
type PDFSource struct{}

func (p *PDFSource) Read(ctx context.Context, location string) (string, error) {
	if err := validateFile(location); err != nil {
		return "", err
	}

	f, r, err := pdf.Open(location)
	if err != nil {
		return "", fmt.Errorf("could not read PDF %s: %w", location, err)
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue // unreadable page
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("could not extract text from PDF %s: it may be scanned or image-based", location)
	}
	return text, nil
}

// URLSource fetches a web page and keeps its readable article text.
type URLSource struct {
	Client *http.Client
}

func (u *URLSource) Read(ctx context.Context, location string) (string, error) {
	parsed, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid URL %s: %w", location, err)
	}

	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", fmt.Errorf("create request for %s: %w", location, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not fetch URL %s: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("could not fetch URL %s: HTTP %d", location, resp.StatusCode)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxSourceSize), parsed)
	if err != nil {
		return "", fmt.Errorf("could not extract article from %s: %w", location, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", fmt.Errorf("no readable content extracted from %s", location)
	}
	return text, nil
}

func validateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a file", path)
	}
	if info.Size() > maxSourceSize {
		return fmt.Errorf("%s is too large (%d MB, max %d MB)", path, info.Size()/(1024*1024), maxSourceSize/(1024*1024))
	}
	return nil
}
