package mailer

import (
	"bytes"
	"context"
	"testing"
	"testing/fstest"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BourgeoisBear/mailer/smtptest"
)

func TestParseTemplate(t *testing.T) {

	t.Run("frontmatter", func(t *testing.T) {
		tmpl, err := ParseTemplate([]byte("---\n" +
			"to:\n  - bob@example.com\n  - carol@example.com\n" +
			"subject: Welcome {{.name}}\n" +
			"from: noreply@example.com\n" +
			"content_type: text/html\n" +
			"---\n" +
			"<p>Hello {{.name}}</p>\n"))
		require.NoError(t, err)
		assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, tmpl.Meta.To)
		assert.Equal(t, "Welcome {{.name}}", tmpl.Meta.Subject)
		assert.Equal(t, "noreply@example.com", tmpl.Meta.From)
		assert.Equal(t, "text/html", tmpl.Meta.ContentType)
		assert.Equal(t, "<p>Hello {{.name}}</p>\n", tmpl.Body)
	})

	t.Run("crlf", func(t *testing.T) {
		tmpl, err := ParseTemplate([]byte("---\r\nsubject: Hi\r\n---\r\nbody\r\n"))
		require.NoError(t, err)
		assert.Equal(t, "Hi", tmpl.Meta.Subject)
		assert.Equal(t, "body\r\n", tmpl.Body)
	})

	t.Run("dashes inside a value", func(t *testing.T) {
		tmpl, err := ParseTemplate([]byte("---\nsubject: a --- b\nfrom: x---y@example.com\n---\nbody\n---\nmore\n"))
		require.NoError(t, err)
		assert.Equal(t, "a --- b", tmpl.Meta.Subject)
		assert.Equal(t, "x---y@example.com", tmpl.Meta.From)
		assert.Equal(t, "body\n---\nmore\n", tmpl.Body)
	})

	t.Run("empty frontmatter", func(t *testing.T) {
		tmpl, err := ParseTemplate([]byte("---\n---\nbody"))
		require.NoError(t, err)
		assert.Empty(t, tmpl.Meta.Subject)
		assert.Equal(t, "body", tmpl.Body)
	})

	t.Run("no frontmatter", func(t *testing.T) {
		tmpl, err := ParseTemplate([]byte("just a body"))
		require.NoError(t, err)
		assert.Empty(t, tmpl.Meta.To)
		assert.Equal(t, "just a body", tmpl.Body)
	})

	t.Run("unclosed", func(t *testing.T) {
		_, err := ParseTemplate([]byte("---\nsubject: Hi\nbody"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := ParseTemplate([]byte("---\nto: [unterminated\n---\nbody"))
		assert.Error(t, err)
	})
}

func TestTemplateRender(t *testing.T) {

	tmpl := &Template{
		Meta: TemplateMeta{To: []string{"default@example.com"}, Subject: "Hello {{.name}}"},
		Body: "Dear {{.name}}, your code is {{.code}}.",
	}

	to, msg, err := tmpl.render("welcome.email", map[string]any{
		"to":   []any{"bob@example.com", "carol@example.com"},
		"name": "Bob",
		"code": 1234,
	}, "alice")
	require.NoError(t, err)

	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, to)
	assert.Equal(t, "alice", msg.From, "sender defaults to the account")
	assert.Equal(t, "Hello Bob", msg.Subject)
	assert.Equal(t, "Dear Bob, your code is 1234.", string(msg.Text))

	_, msg, err = tmpl.render("welcome.email", map[string]any{
		"from":    "support@example.com",
		"subject": "Overridden",
		"name":    "Carol",
		"code":    5678,
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "support@example.com", msg.From)
	assert.Equal(t, "Overridden", msg.Subject)

	_, _, err = tmpl.render("welcome.email", map[string]any{"to": 42}, "alice")
	assert.Error(t, err)

	_, _, err = tmpl.render("welcome.email", map[string]any{"name": "Bob"}, "alice")
	assert.ErrorContains(t, err, "code", "a key missing from the data must not render as <no value>")

	_, _, err = tmpl.render("welcome.email", nil, "alice")
	assert.Error(t, err)
}

func TestSendTemplate(t *testing.T) {
	relay := newTestRelay(t, smtptest.Config{})

	fsys := fstest.MapFS{
		"mail/welcome.email": &fstest.MapFile{Data: []byte("---\n" +
			"subject: Welcome, {{.name}}\n" +
			"from: noreply@example.com\n" +
			"---\n" +
			"Hi {{.name}}, thanks for signing up.\n")},
	}

	err := relay.mailer().SendTemplate(context.Background(), TemplateParams{
		FS:   fsys,
		Name: "mail/welcome.email",
		Data: map[string]any{
			"to":   []string{"bob@example.com", "carol@example.com"},
			"name": "friend",
		},
	})
	require.NoError(t, err)

	sessions := relay.srv.Sessions()
	require.Len(t, sessions, 2, "one session per recipient")

	for i, rcpt := range []string{"bob@example.com", "carol@example.com"} {
		sess := sessions[i]
		assert.Equal(t, "alice", sess.MailFrom)
		assert.Equal(t, []string{rcpt}, sess.RcptTo)

		env, err := enmime.ReadEnvelope(bytes.NewReader(sess.Data))
		require.NoError(t, err)
		assert.Equal(t, rcpt, env.GetHeader("To"))
		assert.Equal(t, "noreply@example.com", env.GetHeader("From"))
		assert.Equal(t, "Welcome, friend", env.GetHeader("Subject"))
		assert.Contains(t, env.Text, "Hi friend, thanks for signing up.")
	}
}

func TestSendTemplateHTML(t *testing.T) {
	relay := newTestRelay(t, smtptest.Config{})

	fsys := fstest.MapFS{
		"reset.email": &fstest.MapFile{Data: []byte("---\n" +
			"to: [bob@example.com]\n" +
			"subject: Reset your password\n" +
			"---\n" +
			"<p>Use code <b>{{.code}}</b></p>\n")},
	}

	err := relay.mailer().SendTemplate(context.Background(), TemplateParams{
		FS:          fsys,
		Name:        "reset.email",
		Data:        map[string]any{"code": "XY-12"},
		ContentType: "text/html",
	})
	require.NoError(t, err)

	env, err := enmime.ReadEnvelope(bytes.NewReader(relay.onlySession(t).Data))
	require.NoError(t, err)
	assert.Contains(t, env.HTML, "<b>XY-12</b>")
}

func TestSendTemplateStopsAtFirstFailure(t *testing.T) {
	relay := newTestRelay(t, smtptest.Config{RejectRecipients: []string{"bob@example.com"}})

	fsys := fstest.MapFS{
		"note.email": &fstest.MapFile{Data: []byte("---\nsubject: Note\n---\nbody\n")},
	}

	err := relay.mailer().SendTemplate(context.Background(), TemplateParams{
		FS:   fsys,
		Name: "note.email",
		Data: map[string]any{"to": []string{"bob@example.com", "carol@example.com"}},
	})
	require.ErrorIs(t, err, ErrSMTPProtocol)
	assert.Contains(t, err.Error(), "bob@example.com")
	assert.Len(t, relay.srv.Sessions(), 1)
}

func TestSendTemplateErrors(t *testing.T) {
	relay := newTestRelay(t, smtptest.Config{})

	fsys := fstest.MapFS{
		"welcome.txt":      &fstest.MapFile{Data: []byte("---\nto: [bob@example.com]\nsubject: Hi\n---\nbody")},
		"nobody.email":     &fstest.MapFile{Data: []byte("---\nsubject: Hi\n---\nbody")},
		"nosubject.email":  &fstest.MapFile{Data: []byte("---\nto: [bob@example.com]\n---\nbody")},
		"broken.email":     &fstest.MapFile{Data: []byte("---\nto: [bob@example.com]\nsubject: Hi\n---\n{{.name")},
		"missingkey.email": &fstest.MapFile{Data: []byte("---\nto: [bob@example.com]\nsubject: Hi\n---\nHello {{.Name}}!")},
	}

	cases := []struct {
		name string
		want error
	}{
		{"welcome.txt", ErrTemplateName},
		{"nobody.email", ErrNoRecipient},
		{"nosubject.email", ErrNoSubject},
		{"broken.email", nil},
		{"missingkey.email", nil},
		{"absent.email", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := relay.mailer().SendTemplate(context.Background(), TemplateParams{FS: fsys, Name: tc.name})
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}

	assert.Empty(t, relay.dialer.Addrs())
}
