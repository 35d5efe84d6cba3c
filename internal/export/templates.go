package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"docsync/api/internal/content"
	"docsync/api/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var documentTemplate = template.Must(template.New("document.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/document.html"))

// TemplateData holds data for document template rendering.
type TemplateData struct {
	Title      string
	URL        string
	ExportedAt time.Time
	Body       template.HTML
}

// RenderDocumentHTML renders the full page around an already sanitized body.
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderBody writes every section in tree order. A section's heading level is
// its hierarchy level shifted below the page title, capped at h6. Stored
// markup passes through policy before it is emitted.
func renderBody(tree *content.TreeNode, policy *bluemonday.Policy) template.HTML {
	if tree == nil {
		return ""
	}
	var b strings.Builder
	stack := []*content.TreeNode{tree}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
		if n.Type != store.NodeTypeSection {
			continue
		}

		level := n.Level + 2
		if level > 6 {
			level = 6
		}
		fmt.Fprintf(&b, "<section id=\"%s\">\n<h%d>%s</h%d>\n", template.HTMLEscapeString(n.ID), level, template.HTMLEscapeString(n.Title), level)
		if n.Content != nil && strings.TrimSpace(*n.Content) != "" {
			b.WriteString(policy.Sanitize(*n.Content))
			b.WriteString("\n")
		}
		b.WriteString("</section>\n")
	}
	return template.HTML(b.String())
}
