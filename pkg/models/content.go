package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentKind discriminates the content variants.
type ContentKind string

const (
	// ContentText is a plain text body.
	ContentText ContentKind = "text"
	// ContentParts is a multimodal body made of ordered parts.
	ContentParts ContentKind = "parts"
)

// Content is the tagged-union message body: either a plain string or a list
// of multimodal parts. Every consumer switches exhaustively on Kind.
type Content struct {
	Kind  ContentKind `json:"kind"`
	Text  string      `json:"text,omitempty"`
	Parts []Part      `json:"parts,omitempty"`
}

// Part is one element of a multimodal body.
type Part struct {
	Type string `json:"type"` // "text" | "image"
	Text string `json:"text,omitempty"`
	// AttachmentID references a blob held by the attachment collaborator.
	AttachmentID string `json:"attachment_id,omitempty"`
}

// TextContent builds a plain text body.
func TextContent(s string) Content {
	return Content{Kind: ContentText, Text: s}
}

// PartsContent builds a multimodal body.
func PartsContent(parts ...Part) Content {
	return Content{Kind: ContentParts, Parts: parts}
}

// AppendText concatenates s onto the body. For a parts body the text lands
// in the final text part, appending a new one if the body ends with an image.
func (c *Content) AppendText(s string) {
	if s == "" {
		return
	}
	switch c.Kind {
	case ContentParts:
		if n := len(c.Parts); n > 0 && c.Parts[n-1].Type == "text" {
			c.Parts[n-1].Text += s
			return
		}
		c.Parts = append(c.Parts, Part{Type: "text", Text: s})
	default:
		c.Kind = ContentText
		c.Text += s
	}
}

// PlainText flattens the body to text for previews and logging. Image parts
// render as a placeholder.
func (c Content) PlainText() string {
	switch c.Kind {
	case ContentParts:
		var b strings.Builder
		for _, p := range c.Parts {
			switch p.Type {
			case "text":
				b.WriteString(p.Text)
			case "image":
				b.WriteString("[image]")
			}
		}
		return b.String()
	default:
		return c.Text
	}
}

// UnmarshalJSON accepts both the tagged object form and a bare JSON string,
// so callers posting simple text do not need the envelope.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = TextContent(s)
		return nil
	}
	type alias Content
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Kind {
	case ContentText, ContentParts:
	case "":
		a.Kind = ContentText
	default:
		return fmt.Errorf("unknown content kind %q", a.Kind)
	}
	*c = Content(a)
	return nil
}
