// ABOUTME: Converts the backend's markdown replies into per-channel markup
// ABOUTME: Telegram wants an HTML subset, Slack wants mrkdwn, Discord takes markdown

package markup

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Format selects the output markup dialect.
type Format string

const (
	// TelegramHTML is the tag subset Telegram's sendMessage accepts.
	TelegramHTML Format = "telegram-html"
	// SlackMrkdwn is Slack's mrkdwn dialect.
	SlackMrkdwn Format = "slack-mrkdwn"
	// DiscordMarkdown is plain markdown, which Discord renders natively.
	DiscordMarkdown Format = "discord-markdown"
	// PlainText strips all markup.
	PlainText Format = "plain"
)

// Render converts markdown text into the given format. Rendering never
// fails: input that does not parse as markdown passes through as text.
func Render(md string, format Format) string {
	if format == DiscordMarkdown {
		// Discord's renderer consumes markdown directly.
		return strings.TrimRight(md, "\n")
	}

	source := []byte(md)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	r := &renderer{source: source, format: format}
	if err := ast.Walk(doc, r.walk); err != nil {
		return strings.TrimRight(md, "\n")
	}
	return strings.TrimRight(r.out.String(), "\n")
}

type renderer struct {
	source []byte
	format Format
	out    strings.Builder

	listDepth   int
	orderedNext []int // next item number per ordered list nesting level
}

func (r *renderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Document:
	case *ast.Paragraph:
		if !entering {
			if _, inList := n.Parent().(*ast.ListItem); inList {
				break
			}
			r.blockBreak()
		}
	case *ast.TextBlock:
		// tight list item content; the list item adds the line break
	case *ast.Heading:
		if entering {
			r.openBold()
		} else {
			r.closeBold()
			r.blockBreak()
		}
	case *ast.Emphasis:
		if node.Level >= 2 {
			if entering {
				r.openBold()
			} else {
				r.closeBold()
			}
		} else {
			if entering {
				r.openItalic()
			} else {
				r.closeItalic()
			}
		}
	case *ast.CodeSpan:
		if entering {
			r.openCode()
		} else {
			r.closeCode()
		}
	case *ast.FencedCodeBlock:
		if entering {
			r.writeCodeBlock(node.Language(r.source), r.blockLines(node))
		}
		return ast.WalkSkipChildren, nil
	case *ast.CodeBlock:
		if entering {
			r.writeCodeBlock(nil, r.blockLines(node))
		}
		return ast.WalkSkipChildren, nil
	case *ast.Blockquote:
		if entering {
			r.writeQuoted(node)
			r.blockBreak()
		}
		return ast.WalkSkipChildren, nil
	case *ast.List:
		if entering {
			r.listDepth++
			start := 0
			if node.IsOrdered() {
				start = node.Start
				if start == 0 {
					start = 1
				}
			}
			r.orderedNext = append(r.orderedNext, start)
		} else {
			r.listDepth--
			r.orderedNext = r.orderedNext[:len(r.orderedNext)-1]
			if r.listDepth == 0 {
				r.blockBreak()
			}
		}
	case *ast.ListItem:
		if entering {
			r.out.WriteString(strings.Repeat("  ", r.listDepth-1))
			next := r.orderedNext[len(r.orderedNext)-1]
			if next > 0 {
				fmt.Fprintf(&r.out, "%d. ", next)
				r.orderedNext[len(r.orderedNext)-1] = next + 1
			} else {
				r.out.WriteString("• ")
			}
		} else {
			r.out.WriteString("\n")
		}
	case *ast.Link:
		if entering {
			r.openLink(string(node.Destination))
		} else {
			r.closeLink(string(node.Destination))
		}
	case *ast.AutoLink:
		if entering {
			url := string(node.URL(r.source))
			r.openLink(url)
			r.writeText(url)
			r.closeLink(url)
		}
		return ast.WalkSkipChildren, nil
	case *ast.ThematicBreak:
		if entering {
			r.out.WriteString("———")
			r.blockBreak()
		}
	case *ast.Text:
		if entering {
			r.writeText(string(node.Segment.Value(r.source)))
			if node.SoftLineBreak() || node.HardLineBreak() {
				r.out.WriteString("\n")
			}
		}
	case *ast.String:
		if entering {
			r.writeText(string(node.Value))
		}
	}
	return ast.WalkContinue, nil
}

// blockLines collects the raw text of a code block's lines.
func (r *renderer) blockLines(n ast.Node) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := range lines.Len() {
		seg := lines.At(i)
		sb.Write(seg.Value(r.source))
	}
	return sb.String()
}

// writeQuoted renders a blockquote's paragraphs with a leading marker per line.
func (r *renderer) writeQuoted(n ast.Node) {
	inner := &renderer{source: r.source, format: r.format}
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		_ = ast.Walk(child, inner.walk)
	}
	for line := range strings.SplitSeq(strings.TrimRight(inner.out.String(), "\n"), "\n") {
		if r.format == TelegramHTML {
			r.out.WriteString("&gt; ")
		} else {
			r.out.WriteString("> ")
		}
		r.out.WriteString(line)
		r.out.WriteString("\n")
	}
}

func (r *renderer) blockBreak() {
	r.out.WriteString("\n\n")
}

func (r *renderer) writeText(s string) {
	switch r.format {
	case TelegramHTML:
		r.out.WriteString(escapeHTML(s))
	case SlackMrkdwn:
		r.out.WriteString(escapeSlack(s))
	default:
		r.out.WriteString(s)
	}
}

func (r *renderer) openBold() {
	switch r.format {
	case TelegramHTML:
		r.out.WriteString("<b>")
	case SlackMrkdwn:
		r.out.WriteString("*")
	}
}

func (r *renderer) closeBold() {
	switch r.format {
	case TelegramHTML:
		r.out.WriteString("</b>")
	case SlackMrkdwn:
		r.out.WriteString("*")
	}
}

func (r *renderer) openItalic() {
	switch r.format {
	case TelegramHTML:
		r.out.WriteString("<i>")
	case SlackMrkdwn:
		r.out.WriteString("_")
	}
}

func (r *renderer) closeItalic() {
	switch r.format {
	case TelegramHTML:
		r.out.WriteString("</i>")
	case SlackMrkdwn:
		r.out.WriteString("_")
	}
}

func (r *renderer) openCode() {
	switch r.format {
	case TelegramHTML:
		r.out.WriteString("<code>")
	default:
		r.out.WriteString("`")
	}
}

func (r *renderer) closeCode() {
	switch r.format {
	case TelegramHTML:
		r.out.WriteString("</code>")
	default:
		r.out.WriteString("`")
	}
}

func (r *renderer) writeCodeBlock(language []byte, body string) {
	body = strings.TrimRight(body, "\n")
	switch r.format {
	case TelegramHTML:
		if len(language) > 0 {
			fmt.Fprintf(&r.out, `<pre><code class="language-%s">`, language)
		} else {
			r.out.WriteString("<pre>")
		}
		r.out.WriteString(escapeHTML(body))
		if len(language) > 0 {
			r.out.WriteString("</code></pre>")
		} else {
			r.out.WriteString("</pre>")
		}
	case SlackMrkdwn:
		r.out.WriteString("```")
		r.out.WriteString(body)
		r.out.WriteString("```")
	default:
		r.out.WriteString(body)
	}
	r.blockBreak()
}

func (r *renderer) openLink(url string) {
	switch r.format {
	case TelegramHTML:
		fmt.Fprintf(&r.out, `<a href="%s">`, escapeHTML(url))
	case SlackMrkdwn:
		r.out.WriteString("<")
		r.out.WriteString(url)
		r.out.WriteString("|")
	}
}

func (r *renderer) closeLink(url string) {
	switch r.format {
	case TelegramHTML:
		r.out.WriteString("</a>")
	case SlackMrkdwn:
		r.out.WriteString(">")
	case PlainText:
		r.out.WriteString(" (")
		r.out.WriteString(url)
		r.out.WriteString(")")
	}
}

func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

func escapeSlack(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
