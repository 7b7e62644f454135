package tracker

import (
	"testing"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
	"github.com/stretchr/testify/assert"
)

func textNode(s string) *models.CommentNodeScheme {
	return &models.CommentNodeScheme{Type: "text", Text: s}
}

func TestFlattenADFNil(t *testing.T) {
	assert.Equal(t, "", FlattenADF(nil))
}

func TestFlattenADFParagraphsAndHeadings(t *testing.T) {
	doc := &models.CommentNodeScheme{
		Type: "doc",
		Content: []*models.CommentNodeScheme{
			{Type: "heading", Attrs: map[string]any{"level": 2}, Content: []*models.CommentNodeScheme{textNode("Summary")}},
			{Type: "paragraph", Content: []*models.CommentNodeScheme{textNode("First "), textNode("sentence.")}},
			{Type: "paragraph", Content: []*models.CommentNodeScheme{textNode("Second.")}},
		},
	}
	assert.Equal(t, "Summary\nFirst sentence.\nSecond.", FlattenADF(doc))
}

func TestFlattenADFIgnoresStructureKeepsText(t *testing.T) {
	doc := &models.CommentNodeScheme{
		Type: "doc",
		Content: []*models.CommentNodeScheme{
			{Type: "bulletList", Content: []*models.CommentNodeScheme{
				{Type: "listItem", Content: []*models.CommentNodeScheme{
					{Type: "paragraph", Content: []*models.CommentNodeScheme{textNode("item one")}},
				}},
				{Type: "listItem", Content: []*models.CommentNodeScheme{
					{Type: "paragraph", Content: []*models.CommentNodeScheme{textNode("item two")}},
				}},
			}},
		},
	}
	assert.Equal(t, "item one\nitem two", FlattenADF(doc))
}

func TestFlattenADFInlineNodes(t *testing.T) {
	doc := &models.CommentNodeScheme{
		Type: "paragraph",
		Content: []*models.CommentNodeScheme{
			textNode("ping "),
			{Type: "mention", Attrs: map[string]any{"text": "@dev"}},
			{Type: "hardBreak"},
			{Type: "inlineCard", Attrs: map[string]any{"url": "https://example.com"}},
		},
	}
	assert.Equal(t, "ping @dev\nhttps://example.com", FlattenADF(doc))
}
