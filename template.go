package mailer

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// TemplateExt is the extension every mail template must carry.
const TemplateExt = ".email"

// TemplateParams names a template and the data to render it with.
//
// Data keys "to" (string or list), "subject" and "from" override the
// template's frontmatter; every key is also available to the template as
// {{.key}}.
type TemplateParams struct {
	FS             fs.FS
	Name           string
	Data           map[string]any
	ContentType    string // overrides the frontmatter content_type
	AttachmentPath string
}

// Template is a parsed .email file: optional YAML frontmatter between
// "---" lines, then the body.
type Template struct {
	Meta TemplateMeta
	Body string
}

// TemplateMeta is the frontmatter of a Template.
type TemplateMeta struct {
	To          []string `yaml:"to"`
	Subject     string   `yaml:"subject"`
	From        string   `yaml:"from"`
	ContentType string   `yaml:"content_type"`
}

// ParseTemplate splits content into frontmatter and body.
func ParseTemplate(content []byte) (*Template, error) {

	delimiter := []byte("---")

	if !bytes.HasPrefix(content, delimiter) {
		return &Template{Body: string(content)}, nil
	}

	afterFirst := bytes.TrimPrefix(content, delimiter)
	afterFirst = bytes.TrimLeft(afterFirst, "\r\n")

	// the closing delimiter must start a line
	endIdx := 0
	if !bytes.HasPrefix(afterFirst, delimiter) {
		endIdx = bytes.Index(afterFirst, append([]byte("\n"), delimiter...))
		if endIdx == -1 {
			return nil, fmt.Errorf("template frontmatter: closing delimiter not found")
		}
		endIdx++
	}

	front := afterFirst[:endIdx]
	body := afterFirst[endIdx+len(delimiter):]
	// one line break after the closing delimiter belongs to it
	switch {
	case bytes.HasPrefix(body, []byte("\r\n")):
		body = body[2:]
	case bytes.HasPrefix(body, []byte("\n")):
		body = body[1:]
	}

	var meta TemplateMeta
	if err := yaml.Unmarshal(front, &meta); err != nil {
		return nil, fmt.Errorf("template frontmatter: %w", err)
	}

	return &Template{Meta: meta, Body: string(body)}, nil
}

// render resolves recipients and sender, and executes subject and body.
func (t *Template) render(name string, data map[string]any, defaultFrom string) (to []string, msg Message, err error) {

	meta := t.Meta

	if v, ok := data["to"]; ok {
		if meta.To, err = stringList(v); err != nil {
			return nil, msg, fmt.Errorf("%s: to: %w", name, err)
		}
	}
	if v, ok := data["subject"].(string); ok {
		meta.Subject = v
	}
	if v, ok := data["from"].(string); ok && v != "" {
		meta.From = v
	}
	if meta.From == "" {
		meta.From = defaultFrom
	}

	if len(meta.To) == 0 {
		return nil, msg, &SendError{Kind: ErrNoRecipient, Op: "render " + name}
	}
	if strings.TrimSpace(meta.Subject) == "" {
		return nil, msg, &SendError{Kind: ErrNoSubject, Op: "render " + name}
	}

	subject, err := execute(name+":subject", meta.Subject, data)
	if err != nil {
		return nil, msg, err
	}
	body, err := execute(name, t.Body, data)
	if err != nil {
		return nil, msg, err
	}

	msg = Message{
		From:        meta.From,
		Subject:     strings.TrimSpace(subject),
		Text:        []byte(body),
		ContentType: meta.ContentType,
	}
	return meta.To, msg, nil
}

func execute(name, text string, data map[string]any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.String(), nil
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("want string, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("want string or list of strings, got %T", v)
}

// SendTemplate renders the named .email template and sends it to each
// recipient in turn, one session per recipient. It stops at the first
// failure; messages already sent stay sent. A key the template uses but Data
// lacks is an error, raised before any session opens.
func (m *Mailer) SendTemplate(ctx context.Context, p TemplateParams) error {

	if path.Ext(p.Name) != TemplateExt {
		return &SendError{Kind: ErrTemplateName, Op: "load template", Err: fmt.Errorf("%q", p.Name)}
	}

	content, err := fs.ReadFile(p.FS, p.Name)
	if err != nil {
		return fmt.Errorf("load template %s: %w", p.Name, err)
	}

	tmpl, err := ParseTemplate(content)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Name, err)
	}

	to, msg, err := tmpl.render(p.Name, p.Data, m.cfg.Username)
	if err != nil {
		return err
	}
	if p.ContentType != "" {
		msg.ContentType = p.ContentType
	}
	msg.AttachmentPath = p.AttachmentPath

	for _, rcpt := range to {
		msg.To = rcpt
		if err := m.Send(ctx, msg); err != nil {
			return fmt.Errorf("send %s to %s: %w", p.Name, rcpt, err)
		}
	}
	return nil
}
