package smtptest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCert(t *testing.T) {
	cert, pool, err := GenerateCert("smtp.example.com")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"localhost", "smtp.example.com"}, leaf.DNSNames)

	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "smtp.example.com", Roots: pool})
	assert.NoError(t, err)
	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "other.example.com", Roots: pool})
	assert.Error(t, err)
}

func TestDialerRedirects(t *testing.T) {
	srv := NewServer(t, Config{})
	d := srv.Dialer()

	conn, err := d.DialContext(context.Background(), "tcp", "smtp.example.com:587")
	require.NoError(t, err)

	tp := textproto.NewConn(conn)
	_, msg, err := tp.ReadResponse(220)
	require.NoError(t, err)
	assert.Contains(t, msg, "ESMTP")

	require.NoError(t, tp.PrintfLine("QUIT"))
	_, _, err = tp.ReadResponse(221)
	require.NoError(t, err)
	require.NoError(t, tp.Close())

	assert.Equal(t, []string{"smtp.example.com:587"}, d.Addrs())
	require.Len(t, d.Conns(), 1)
	assert.True(t, d.Conns()[0].Closed())
}

// session drives a raw conversation with the server.
func session(t *testing.T, srv *Server) *textproto.Conn {
	t.Helper()
	conn, err := srv.Dialer().DialContext(context.Background(), "tcp", "x:587")
	require.NoError(t, err)
	tp := textproto.NewConn(conn)
	t.Cleanup(func() { tp.Close() })
	_, _, err = tp.ReadResponse(220)
	require.NoError(t, err)
	return tp
}

func expect(t *testing.T, tp *textproto.Conn, code int, line string) string {
	t.Helper()
	require.NoError(t, tp.PrintfLine("%s", line))
	_, msg, err := tp.ReadResponse(code)
	require.NoError(t, err, line)
	return msg
}

func TestServerRequiresTLSBeforeAuth(t *testing.T) {
	srv := NewServer(t, Config{Username: "alice", Password: "secret"})
	tp := session(t, srv)

	ehlo := expect(t, tp, 250, "EHLO client")
	assert.Contains(t, ehlo, "STARTTLS")
	assert.NotContains(t, ehlo, "AUTH")

	expect(t, tp, 530, "AUTH PLAIN AGFsaWNlAHNlY3JldA==")
	expect(t, tp, 530, "MAIL FROM:<alice>")
	expect(t, tp, 502, "VRFY alice")
	expect(t, tp, 221, "QUIT")
}

func TestServerSTARTTLSAndPlain(t *testing.T) {
	srv := NewServer(t, Config{Hostname: "smtp.example.com", Username: "alice", Password: "secret"})

	conn, err := srv.Dialer().DialContext(context.Background(), "tcp", "smtp.example.com:587")
	require.NoError(t, err)
	tp := textproto.NewConn(conn)
	_, _, err = tp.ReadResponse(220)
	require.NoError(t, err)

	expect(t, tp, 250, "EHLO client")
	expect(t, tp, 220, "STARTTLS")

	tlsConn := tls.Client(conn, srv.ClientTLSConfig())
	require.NoError(t, tlsConn.Handshake())
	tp = textproto.NewConn(tlsConn)
	defer tp.Close()

	expect(t, tp, 503, "AUTH PLAIN AGFsaWNlAHNlY3JldA==")
	ehlo := expect(t, tp, 250, "EHLO client")
	assert.Contains(t, ehlo, "AUTH PLAIN LOGIN")
	assert.NotContains(t, ehlo, "STARTTLS")

	expect(t, tp, 334, "AUTH PLAIN")
	expect(t, tp, 235, "AGFsaWNlAHNlY3JldA==")
	expect(t, tp, 250, "MAIL FROM:<alice> BODY=8BITMIME")
	expect(t, tp, 250, "RCPT TO:<bob@example.com>")
	expect(t, tp, 354, "DATA")
	expect(t, tp, 250, "Subject: hi\r\n\r\nbody\r\n.")
	expect(t, tp, 221, "QUIT")

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.True(t, s.StartTLS)
	assert.True(t, s.AuthOverTLS)
	assert.Equal(t, "PLAIN", s.AuthMechanism)
	assert.Equal(t, "alice", s.AuthUser)
	assert.Equal(t, "alice", s.MailFrom)
	assert.Equal(t, []string{"bob@example.com"}, s.RcptTo)
	assert.Equal(t, "Subject: hi\n\nbody\n", string(s.Data))
	assert.True(t, s.Quit)
}

func TestServerLoginWithoutInitialResponse(t *testing.T) {
	srv := NewServer(t, Config{AllowInsecureAuth: true, Username: "alice", Password: "secret"})
	tp := session(t, srv)

	expect(t, tp, 250, "EHLO client")
	assert.Equal(t, "VXNlcm5hbWU6", expect(t, tp, 334, "AUTH LOGIN"))
	assert.Equal(t, "UGFzc3dvcmQ6", expect(t, tp, 334, "YWxpY2U="))
	expect(t, tp, 535, "d3Jvbmc=")

	expect(t, tp, 334, "AUTH LOGIN YWxpY2U=")
	expect(t, tp, 501, "*")
	expect(t, tp, 504, "AUTH CRAM-MD5")
}
