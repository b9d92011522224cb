package capability

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/foundry/internal/models"
)

type planSection int

const (
	sectionNone planSection = iota
	sectionSteps
	sectionReferences
	sectionCriteria
)

var markdown = goldmark.New()

// DecodeMarkdownPlan decodes a plan written as markdown:
//
//	# Add health check endpoint
//	## Steps
//	1. Add handler
//	## References
//	- RFC 7231
//	## Acceptance Criteria
//	- GET /healthz returns 200
//
// The first level-1 heading is the feature name. List items under a
// recognised level-2+ heading fill the matching field; everything else is
// ignored.
func DecodeMarkdownPlan(source []byte) (*models.ImplementationPlan, error) {
	doc := markdown.Parser().Parse(text.NewReader(source))

	plan := &models.ImplementationPlan{}
	section := sectionNone
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			title := nodeText(node, source)
			if node.Level == 1 {
				if plan.FeatureName == "" {
					plan.FeatureName = strings.TrimSpace(strings.TrimPrefix(title, "Feature:"))
				}
				section = sectionNone
				continue
			}
			section = sectionFor(title)
		case *ast.List:
			items := listItems(node, source)
			switch section {
			case sectionSteps:
				plan.Steps = append(plan.Steps, items...)
			case sectionReferences:
				plan.References = append(plan.References, items...)
			case sectionCriteria:
				plan.AcceptanceCriteria = append(plan.AcceptanceCriteria, items...)
			}
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func sectionFor(title string) planSection {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(title), ":")) {
	case "steps", "implementation steps", "plan":
		return sectionSteps
	case "references", "standards", "resources":
		return sectionReferences
	case "acceptance criteria", "acceptance":
		return sectionCriteria
	default:
		return sectionNone
	}
}

func listItems(list *ast.List, source []byte) []string {
	var items []string
	for c := list.FirstChild(); c != nil; c = c.NextSibling() {
		if item, ok := c.(*ast.ListItem); ok {
			if s := nodeText(item, source); s != "" {
				items = append(items, s)
			}
		}
	}
	return items
}

// nodeText flattens the inline text under n, skipping nested lists, with
// whitespace collapsed.
func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	var walk func(ast.Node)
	walk = func(parent ast.Node) {
		for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
			switch v := c.(type) {
			case *ast.List:
				continue
			case *ast.Text:
				sb.Write(v.Segment.Value(source))
				if v.SoftLineBreak() || v.HardLineBreak() {
					sb.WriteByte(' ')
				}
			case *ast.String:
				sb.Write(v.Value)
			default:
				walk(c)
				if c.Type() == ast.TypeBlock {
					sb.WriteByte(' ')
				}
			}
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
