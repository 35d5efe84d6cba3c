// Package extract turns static markup into a titled, sectioned document with
// a heading hierarchy.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const UntitledDocument = "Untitled Document"

const SectionType = "section"

var (
	// ErrFetchFailed marks network, timeout and HTTP status failures. Callers may retry.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrExtractionFailed marks payloads that cannot be parsed as markup.
	ErrExtractionFailed = errors.New("extraction failed")
)

const removedSelector = "script, style, iframe, nav, footer, header, noscript"

var (
	hiddenStyle      = regexp.MustCompile(`(?i)display\s*:\s*none`)
	mainContentClass = regexp.MustCompile(`(?i)content|main|docs|documentation`)
)

// Section is one entry of the sections map keyed by heading text.
type Section struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

// Sections maps heading text to the markup that follows it.
type Sections map[string]Section

// Heading is one node of the heading hierarchy.
type Heading struct {
	Title    string     `json:"title"`
	Level    int        `json:"level"`
	Children []*Heading `json:"children"`
}

// Result is the full output of one extraction.
type Result struct {
	Title     string
	Sections  Sections
	Structure []*Heading
	Meta      map[string]any
}

// Extractor parses markup. The zero value is ready to use.
type Extractor struct {
	now func() time.Time
}

func New() *Extractor {
	return &Extractor{now: time.Now}
}

// Extract parses raw markup. Missing titles, regions and meta tags degrade to
// defaults; only a payload that is not markup at all fails.
func (e *Extractor) Extract(raw []byte) (*Result, error) {
	if !looksLikeMarkup(raw) {
		return nil, fmt.Errorf("%w: payload is not text markup", ErrExtractionFailed)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: parse markup: %v", ErrExtractionFailed, err)
	}

	sanitize(doc)

	now := time.Now
	if e != nil && e.now != nil {
		now = e.now
	}
	return &Result{
		Title:     extractTitle(doc),
		Sections:  extractSections(mainContent(doc)),
		Structure: extractStructure(doc),
		Meta:      extractMeta(doc, now().UTC()),
	}, nil
}

func looksLikeMarkup(raw []byte) bool {
	if len(raw) == 0 {
		return true
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return false
	}
	if utf8.Valid(raw) {
		return true
	}
	return strings.HasPrefix(http.DetectContentType(raw), "text/")
}

func sanitize(doc *goquery.Document) {
	doc.Find(removedSelector).Remove()
	doc.Find("[style]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		style, _ := s.Attr("style")
		return hiddenStyle.MatchString(style)
	}).Remove()
}

func extractTitle(doc *goquery.Document) string {
	if title := textOf(doc.Find("h1").First()); title != "" {
		return title
	}
	if title := textOf(doc.Find("title").First()); title != "" {
		return title
	}
	return UntitledDocument
}

// mainContent returns the primary region, or an empty selection when the page
// has none.
func mainContent(doc *goquery.Document) *goquery.Selection {
	if main := doc.Find("main").First(); main.Length() > 0 {
		return main
	}
	if article := doc.Find("article").First(); article.Length() > 0 {
		return article
	}
	return doc.Find("[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		return mainContentClass.MatchString(class)
	}).First()
}

func extractSections(region *goquery.Selection) Sections {
	sections := Sections{}
	if region.Length() == 0 {
		return sections
	}

	current := ""
	open := false
	var buf strings.Builder
	flush := func() {
		if open {
			sections[current] = Section{Content: buf.String(), Type: SectionType}
		}
		buf.Reset()
	}

	region.Children().Each(func(_ int, s *goquery.Selection) {
		if _, ok := headingLevel(s); ok {
			flush()
			current = textOf(s)
			open = true
			sections[current] = Section{Content: "", Type: SectionType}
			return
		}
		if !open {
			return
		}
		markup, err := goquery.OuterHtml(s)
		if err != nil {
			return
		}
		buf.WriteString(markup)
	})
	flush()
	return sections
}

// extractStructure builds the heading forest with a fixed-depth current-path
// array. path[L] is the last heading seen at level L.
func extractStructure(doc *goquery.Document) []*Heading {
	var (
		roots []*Heading
		path  [6]*Heading
	)
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		level, ok := headingLevel(s)
		if !ok {
			return
		}
		node := &Heading{Title: textOf(s), Level: level, Children: []*Heading{}}

		var parent *Heading
		for l := level - 1; l >= 0; l-- {
			if path[l] != nil {
				parent = path[l]
				break
			}
		}
		if parent == nil {
			roots = append(roots, node)
		} else {
			parent.Children = append(parent.Children, node)
		}

		path[level] = node
		for l := level + 1; l < len(path); l++ {
			path[l] = nil
		}
	})
	if roots == nil {
		roots = []*Heading{}
	}
	return roots
}

func extractMeta(doc *goquery.Document, at time.Time) map[string]any {
	meta := map[string]any{}
	if v, ok := metaContent(doc, "description"); ok {
		meta["description"] = v
	}
	if v, ok := metaContent(doc, "keywords"); ok {
		keywords := []string{}
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keywords = append(keywords, k)
			}
		}
		meta["keywords"] = keywords
	}
	if v, ok := metaContent(doc, "author"); ok {
		meta["author"] = v
	}
	meta["last_scraped"] = at.Format(time.RFC3339)
	return meta
}

func metaContent(doc *goquery.Document, name string) (string, bool) {
	var (
		value string
		found bool
	)
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		n, _ := s.Attr("name")
		if !strings.EqualFold(strings.TrimSpace(n), name) {
			return true
		}
		// A matching tag without content still records the key, as "".
		content, _ := s.Attr("content")
		value, found = strings.TrimSpace(content), true
		return false
	})
	return value, found
}

// headingLevel reports the zero-based level of h1..h6 elements.
func headingLevel(s *goquery.Selection) (int, bool) {
	name := goquery.NodeName(s)
	if len(name) != 2 || name[0] != 'h' || name[1] < '1' || name[1] > '6' {
		return 0, false
	}
	return int(name[1] - '1'), true
}

func textOf(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}
