package mailer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxLineLength = 76 // MaxLineLength is the maximum line length per RFC 2045

	contentTypePlain  = "text/plain"
	contentTypeHTML   = "text/html"
	contentTypeBinary = "application/octet-stream"
)

// Message is a single outgoing e-mail: one text part and at most one file
// attachment.
//
// From is only used for the `From` header; the SMTP envelope sender is always
// the authenticated account. To is both the `To` header and the one envelope
// recipient.
type Message struct {
	From           string
	To             string
	Subject        string
	Text           []byte
	ContentType    string // media type of the text part: text/plain (default) or text/html
	AttachmentPath string // optional; read in full when the message is rendered
	Headers        textproto.MIMEHeader
}

// Attachment is a file attached to a Message. Content holds the raw bytes,
// they are base64 encoded when the message is rendered.
type Attachment struct {
	Filename string
	Header   textproto.MIMEHeader
	Content  []byte
}

// part is one leaf of the multipart/mixed body, its body already carries the
// transfer encoding named in its header.
type part struct {
	header textproto.MIMEHeader
	body   []byte
}

// AttachFile reads the whole file at path and wraps it as an
// application/octet-stream attachment named after the last path element.
func AttachFile(path string) (*Attachment, error) {

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, &os.PathError{Op: "read", Path: path, Err: fmt.Errorf("not a regular file")}
	}

	return NewAttachment(f, filepath.Base(path))
}

// NewAttachment reads r to the end and wraps its bytes as an
// application/octet-stream attachment.
func NewAttachment(r io.Reader, filename string) (*Attachment, error) {

	var buffer bytes.Buffer
	if _, err := io.Copy(&buffer, r); err != nil {
		return nil, err
	}

	at := &Attachment{
		Filename: filename,
		Header:   textproto.MIMEHeader{},
		Content:  buffer.Bytes(),
	}
	at.Header.Set("Content-Type", contentTypeBinary)
	at.Header.Set("Content-Transfer-Encoding", "base64")
	at.Header.Set("Content-Disposition", dispositionAttachment(filename))
	return at, nil
}

var quoteReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", "")

func dispositionAttachment(filename string) string {
	return `attachment; filename="` + quoteReplacer.Replace(filename) + `"`
}

// validate checks everything that can be checked without touching the
// filesystem or the network.
func (m *Message) validate() error {

	if m.From == "" || m.To == "" {
		return &SendError{Kind: ErrMissingToOrFrom, Op: "compose"}
	}

	lines := []string{m.From, m.To, m.Subject}
	for field, vals := range m.Headers {
		if !validFieldName(field) {
			return &SendError{Kind: ErrHasCRLF, Op: "compose", Err: fmt.Errorf("header name %q", field)}
		}
		lines = append(lines, vals...)
	}
	for _, v := range lines {
		if err := validateLine(v); err != nil {
			return &SendError{Kind: ErrHasCRLF, Op: "compose", Err: err}
		}
	}

	switch m.mediaType() {
	case contentTypePlain, contentTypeHTML:
	default:
		return &SendError{Kind: ErrContentType, Op: "compose", Err: fmt.Errorf("%q", m.ContentType)}
	}
	return nil
}

// validFieldName reports whether name is an RFC 5322 field name: printable
// US-ASCII without colon or space.
func validFieldName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; c < 33 || c > 126 || c == ':' {
			return false
		}
	}
	return true
}

func (m *Message) mediaType() string {
	if m.ContentType == "" {
		return contentTypePlain
	}
	return strings.ToLower(strings.TrimSpace(m.ContentType))
}

// msgHeaders merges the Message fields and custom headers. From, To and
// Subject always come from the fields; Date, Message-Id and MIME-Version are
// filled in unless present in m.Headers.
func (m *Message) msgHeaders() (textproto.MIMEHeader, error) {

	res := make(textproto.MIMEHeader, len(m.Headers)+6)
	for field, vals := range m.Headers {
		res[textproto.CanonicalMIMEHeaderKey(field)] = vals
	}

	res.Set("From", m.From)
	res.Set("To", m.To)
	res.Set("Subject", m.Subject)

	if _, ok := res["Message-Id"]; !ok {
		id, err := generateMessageID()
		if err != nil {
			return nil, err
		}
		res.Set("Message-Id", id)
	}
	if _, ok := res["Date"]; !ok {
		res.Set("Date", time.Now().Format(time.RFC1123Z))
	}
	res.Set("Mime-Version", "1.0")

	// the body decides these
	res.Del("Content-Type")
	res.Del("Content-Transfer-Encoding")
	return res, nil
}

// parts returns the body parts in order: the text part, then the attachment
// when AttachmentPath is set.
func (m *Message) parts() ([]part, error) {

	txt, err := textPart(m.Text, m.mediaType())
	if err != nil {
		return nil, err
	}
	ps := []part{txt}

	if m.AttachmentPath != "" {
		at, err := AttachFile(m.AttachmentPath)
		if err != nil {
			return nil, &SendError{Kind: ErrFileAccess, Op: "read attachment", Err: err}
		}
		ps = append(ps, at.part())
	}
	return ps, nil
}

func textPart(msg []byte, mediaType string) (part, error) {

	var buff bytes.Buffer
	qp := quotedprintable.NewWriter(&buff)
	if _, err := qp.Write(msg); err != nil {
		return part{}, err
	}
	if err := qp.Close(); err != nil {
		return part{}, err
	}

	return part{
		header: textproto.MIMEHeader{
			"Content-Type":              {mediaType + "; charset=UTF-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		},
		body: buff.Bytes(),
	}, nil
}

func (a *Attachment) part() part {
	var buff bytes.Buffer
	base64Wrap(&buff, a.Content)
	return part{header: a.Header, body: buff.Bytes()}
}

// Bytes renders the message as a multipart/mixed entity, reading the
// attachment if one is set. Nothing is sent anywhere.
func (m *Message) Bytes() ([]byte, error) {

	if err := m.validate(); err != nil {
		return nil, err
	}

	ps, err := m.parts()
	if err != nil {
		return nil, err
	}

	headers, err := m.msgHeaders()
	if err != nil {
		return nil, err
	}

	size := 1024
	for _, p := range ps {
		size += len(p.body) + 256
	}
	buff := bytes.NewBuffer(make([]byte, 0, size))

	w := multipart.NewWriter(buff)
	headers.Set("Content-Type", "multipart/mixed;\r\n boundary="+w.Boundary())
	headerToBytes(buff, headers)
	io.WriteString(buff, "\r\n")

	for _, p := range ps {
		pw, err := w.CreatePart(p.header)
		if err != nil {
			return nil, err
		}
		if _, err = pw.Write(p.body); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// base64Wrap encodes the attachment content, and wraps it according to RFC 2045 standards (every 76 chars)
// The output is then written to the specified io.Writer
func base64Wrap(w io.Writer, b []byte) {
	// 57 raw bytes per 76-byte base64 line.
	const maxRaw = 57
	// Buffer for each line, including trailing CRLF.
	buffer := make([]byte, MaxLineLength+len("\r\n"))
	copy(buffer[MaxLineLength:], "\r\n")
	// Process raw chunks until there's no longer enough to fill a line.
	for len(b) >= maxRaw {
		base64.StdEncoding.Encode(buffer, b[:maxRaw])
		w.Write(buffer)
		b = b[maxRaw:]
	}
	// Handle the last chunk of bytes.
	if len(b) > 0 {
		out := buffer[:base64.StdEncoding.EncodedLen(len(b))]
		base64.StdEncoding.Encode(out, b)
		out = append(out, "\r\n"...)
		w.Write(out)
	}
}

// headerToBytes renders "header" to "buff" in field name order. If there are
// multiple values for a field, multiple "Field: value\r\n" lines are emitted.
func headerToBytes(buff *bytes.Buffer, header textproto.MIMEHeader) {

	fields := make([]string, 0, len(header))
	for field := range header {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		for _, subval := range header[field] {
			buff.WriteString(field)
			buff.WriteString(": ")
			switch field {
			case "Content-Type", "Content-Disposition":
				buff.WriteString(subval)
			case "From", "To", "Cc", "Reply-To", "Sender":
				buff.WriteString(formatAddress(subval))
			default:
				// only non-ASCII values change
				buff.WriteString(mime.QEncoding.Encode("UTF-8", subval))
			}
			buff.WriteString("\r\n")
		}
	}
}

// formatAddress encodes only the display name of a "Name <addr>" value, so
// the address stays parseable. Bare or unparseable values pass through
// Q-encoding like any other field.
func formatAddress(v string) string {
	addr, err := mail.ParseAddress(v)
	if err != nil || addr.Name == "" {
		return mime.QEncoding.Encode("UTF-8", v)
	}
	return addr.String()
}

// generateMessageID returns an RFC 5322 Message-ID of the form
// <uuid@hostname>, falling back to localhost.localdomain.
func generateMessageID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	h, err := os.Hostname()
	if err != nil || h == "" {
		h = "localhost.localdomain"
	}
	return fmt.Sprintf("<%s@%s>", id.String(), h), nil
}
