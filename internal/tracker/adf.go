package tracker

import (
	"strings"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// FlattenADF renders an Atlassian Document Format tree as plain text for
// evaluation prompts. Text leaves are concatenated; paragraphs and headings
// end with a newline. Structural nodes carry no formatting of their own.
func FlattenADF(node *models.CommentNodeScheme) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	flattenNode(&b, node)
	return strings.TrimRight(b.String(), "\n")
}

func flattenNode(b *strings.Builder, node *models.CommentNodeScheme) {
	if node == nil {
		return
	}

	switch node.Type {
	case "text":
		b.WriteString(node.Text)

	case "hardBreak":
		b.WriteString("\n")

	case "paragraph", "heading":
		flattenChildren(b, node)
		b.WriteString("\n")

	case "mention":
		b.WriteString(attrText(node, "text"))

	case "emoji":
		b.WriteString(attrText(node, "shortName"))

	case "inlineCard":
		b.WriteString(attrText(node, "url"))

	default:
		flattenChildren(b, node)
	}
}

func flattenChildren(b *strings.Builder, node *models.CommentNodeScheme) {
	for _, child := range node.Content {
		flattenNode(b, child)
	}
}

func attrText(node *models.CommentNodeScheme, key string) string {
	if node.Attrs == nil {
		return ""
	}
	if v, ok := node.Attrs[key].(string); ok {
		return v
	}
	return ""
}
