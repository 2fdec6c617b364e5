package intake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/llm"
)

var (
	spacePattern   = regexp.MustCompile(`[ \t\f\v]+`)
	newlinePattern = regexp.MustCompile(`\n{3,}`)
)

type fileKind int

const (
	kindUnknown fileKind = iota
	kindPDF
	kindHTML
	kindText
)

func detectKind(file *domain.StoredFile) fileKind {
	ct := strings.ToLower(file.ContentType)
	ext := strings.ToLower(path.Ext(strings.SplitN(file.URL, "?", 2)[0]))

	switch {
	case ct == "application/pdf", ext == ".pdf", bytes.HasPrefix(file.Data, []byte("%PDF-")):
		return kindPDF
	case ct == "text/html", ct == "application/xhtml+xml", ext == ".html", ext == ".htm":
		return kindHTML
	case strings.HasPrefix(ct, "text/"), ct == "application/json", ext == ".txt", ext == ".md":
		return kindText
	default:
		return kindUnknown
	}
}

// Extract turns an uploaded file into a context document
func Extract(file *domain.StoredFile) (*domain.ContextDocument, error) {
	var (
		text string
		err  error
	)
	switch detectKind(file) {
	case kindPDF:
		text, err = extractPDF(file.Data)
	case kindHTML:
		text, err = extractHTML(file.Data)
	case kindText:
		text = string(file.Data)
	default:
		return nil, domain.NewError(domain.ErrInvalidInput,
			fmt.Sprintf("unsupported file type %q: %s", file.ContentType, file.URL))
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, fmt.Sprintf("failed to extract %s: %v", file.URL, err), err)
	}

	text = clean(text)
	if text == "" {
		return nil, domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("no extractable text in %s", file.URL))
	}

	return &domain.ContextDocument{
		URL:         file.URL,
		ContentType: file.ContentType,
		Text:        text,
		WordCount:   llm.CountWords(text),
	}, nil
}

// LoadContext fetches and extracts every uploaded file in order
func LoadContext(ctx context.Context, storage domain.FileStorage, urls []string) ([]domain.ContextDocument, error) {
	docs := make([]domain.ContextDocument, 0, len(urls))
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file, err := storage.Fetch(ctx, u)
		if err != nil {
			return nil, err
		}
		doc, err := Extract(file)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, reader); err != nil {
		return "", fmt.Errorf("read extracted text: %w", err)
	}
	return buf.String(), nil
}

func extractHTML(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	doc.Find("script,style,nav,footer,header,noscript").Remove()

	var out []string
	doc.Find("h1,h2,h3,h4,p,li,blockquote").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "h1", "h2", "h3", "h4":
			out = append(out, "## "+text)
		case "li":
			out = append(out, "- "+text)
		default:
			out = append(out, text)
		}
	})
	if len(out) == 0 {
		return doc.Find("body").Text(), nil
	}
	return strings.Join(out, "\n\n"), nil
}

func clean(text string) string {
	text = strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if unicode.IsControl(r) && r != '\t' {
			return -1
		}
		return r
	}, text)
	text = spacePattern.ReplaceAllString(text, " ")
	text = newlinePattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
