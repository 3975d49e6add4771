// Package smtptest provides an in-process SMTP submission server for tests.
//
// The server speaks enough of RFC 5321 for a submission client: EHLO/HELO,
// STARTTLS with a generated certificate, AUTH PLAIN and LOGIN, MAIL, RCPT,
// DATA, RSET, NOOP and QUIT. Everything a client does is recorded in a
// Session.
package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"net"
	"net/textproto"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
)

// Config shapes the behaviour of a Server.
type Config struct {
	Hostname string // greeting name and certificate host; defaults to localhost

	Username string
	Password string

	// AuthMechanisms advertised once AUTH is allowed; defaults to PLAIN LOGIN
	AuthMechanisms []string

	DisableSTARTTLS   bool // do not advertise STARTTLS
	RejectSTARTTLS    bool // advertise STARTTLS but answer 454
	AllowInsecureAuth bool // advertise and accept AUTH before STARTTLS

	RejectRecipients []string // RCPT TO answered with 550
	MaxMessageBytes  int      // DATA larger than this is answered with 552
}

// Session records one client connection.
type Session struct {
	Hellos        []string // EHLO/HELO arguments in order
	Commands      []string // command verbs in order
	StartTLS      bool
	AuthMechanism string
	AuthUser      string
	AuthPassword  string
	AuthOverTLS   bool
	Authenticated bool
	MailFrom      string
	RcptTo        []string
	Data          []byte // as read by textproto's dot reader: CRLF turned into LF
	Quit          bool
}

// Server is a running test SMTP server.
type Server struct {
	cfg       Config
	ln        net.Listener
	tlsConfig *tls.Config
	pool      *x509.CertPool

	mu       sync.Mutex
	sessions []*Session
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

var errBadCredentials = errors.New("bad credentials")

// NewServer starts a server on a loopback port. It is closed when the test
// ends.
func NewServer(t testing.TB, cfg Config) *Server {
	t.Helper()

	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if len(cfg.AuthMechanisms) == 0 {
		cfg.AuthMechanisms = []string{"PLAIN", "LOGIN"}
	}

	cert, pool, err := GenerateCert(cfg.Hostname)
	if err != nil {
		t.Fatalf("smtptest: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest: failed to listen: %v", err)
	}

	s := &Server{
		cfg: cfg,
		ln:  ln,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		pool:  pool,
		conns: make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.accept()

	t.Cleanup(s.Close)
	return s
}

// Addr is the loopback address the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting, drops open connections and waits for their
// handlers to return.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ClientTLSConfig trusts the server certificate.
func (s *Server) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		RootCAs:    s.pool,
		ServerName: s.cfg.Hostname,
		MinVersion: tls.VersionTLS12,
	}
}

// Dialer returns a dialer that connects to this server for any address.
func (s *Server) Dialer() *Dialer {
	return &Dialer{target: s.Addr()}
}

// Sessions returns a copy of every session recorded so far.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		cp.Hellos = slices.Clone(sess.Hellos)
		cp.Commands = slices.Clone(sess.Commands)
		cp.RcptTo = slices.Clone(sess.RcptTo)
		cp.Data = slices.Clone(sess.Data)
		out = append(out, cp)
	}
	return out
}

func (s *Server) update(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// conversation is the per-connection protocol state.
type conversation struct {
	s    *Server
	sess *Session
	conn net.Conn
	tp   *textproto.Conn

	isTLS         bool
	greeted       bool
	authenticated bool
	mailFrom      string
	rcpts         int
}

func (s *Server) serve(conn net.Conn) {

	sess := &Session{}
	s.update(func() { s.sessions = append(s.sessions, sess) })

	c := &conversation{s: s, sess: sess, conn: conn, tp: textproto.NewConn(conn)}
	defer func() {
		c.conn.Close()
		s.update(func() { delete(s.conns, conn) })
	}()

	c.reply(220, s.cfg.Hostname+" ESMTP smtptest")

	for {
		line, err := c.tp.ReadLine()
		if err != nil {
			return
		}

		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		s.update(func() { sess.Commands = append(sess.Commands, verb) })

		switch verb {
		case "EHLO", "HELO":
			c.hello(verb, arg)
		case "STARTTLS":
			if !c.startTLS() {
				return
			}
		case "AUTH":
			if !c.auth(arg) {
				return
			}
		case "MAIL":
			c.mail(arg)
		case "RCPT":
			c.rcpt(arg)
		case "DATA":
			if !c.data() {
				return
			}
		case "RSET":
			c.mailFrom, c.rcpts = "", 0
			c.reply(250, "2.0.0 OK")
		case "NOOP":
			c.reply(250, "2.0.0 OK")
		case "QUIT":
			s.update(func() { sess.Quit = true })
			c.reply(221, "2.0.0 Bye")
			return
		default:
			c.reply(502, "5.5.2 Command not recognized")
		}
	}
}

func (c *conversation) reply(code int, msg string) {
	c.tp.PrintfLine("%d %s", code, msg)
}

func (c *conversation) replyLines(code int, lines []string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		c.tp.PrintfLine("%d%s%s", code, sep, l)
	}
}

func (c *conversation) authAllowed() bool {
	return c.isTLS || c.s.cfg.AllowInsecureAuth
}

func (c *conversation) hello(verb, arg string) {

	if arg == "" {
		c.reply(501, "5.5.4 Domain name required")
		return
	}

	c.s.update(func() { c.sess.Hellos = append(c.sess.Hellos, arg) })
	c.greeted = true
	c.mailFrom, c.rcpts = "", 0

	greeting := c.s.cfg.Hostname + " greets " + arg
	if verb == "HELO" {
		c.reply(250, greeting)
		return
	}

	lines := []string{greeting, "8BITMIME", "PIPELINING"}
	if !c.isTLS && !c.s.cfg.DisableSTARTTLS {
		lines = append(lines, "STARTTLS")
	}
	if c.authAllowed() {
		lines = append(lines, "AUTH "+strings.Join(c.s.cfg.AuthMechanisms, " "))
	}
	lines = append(lines, "HELP")
	c.replyLines(250, lines)
}

// startTLS reports whether the connection is still usable.
func (c *conversation) startTLS() bool {

	switch {
	case c.isTLS || c.s.cfg.DisableSTARTTLS:
		c.reply(502, "5.5.1 STARTTLS not available")
		return true
	case c.s.cfg.RejectSTARTTLS:
		c.reply(454, "4.7.0 TLS not available due to temporary reason")
		return true
	}

	c.reply(220, "2.0.0 Ready to start TLS")

	tlsConn := tls.Server(c.conn, c.s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return false
	}

	c.conn = tlsConn
	c.tp = textproto.NewConn(tlsConn)
	c.isTLS = true
	c.greeted = false
	c.mailFrom, c.rcpts = "", 0
	c.s.update(func() { c.sess.StartTLS = true })
	return true
}

// auth runs one AUTH exchange and reports whether the connection is still
// usable.
func (c *conversation) auth(arg string) bool {

	switch {
	case !c.greeted:
		c.reply(503, "5.5.1 EHLO first")
		return true
	case !c.authAllowed():
		c.reply(530, "5.7.0 Must issue a STARTTLS command first")
		return true
	case c.authenticated:
		c.reply(503, "5.5.1 Already authenticated")
		return true
	}

	fields := strings.Fields(arg)
	if len(fields) == 0 {
		c.reply(501, "5.5.4 Syntax: AUTH mechanism")
		return true
	}

	mech := strings.ToUpper(fields[0])
	if !slices.Contains(c.s.cfg.AuthMechanisms, mech) {
		c.reply(504, "5.5.4 Unrecognized authentication type")
		return true
	}

	var resp []byte
	if len(fields) > 1 {
		if fields[1] == "=" {
			resp = []byte{}
		} else {
			var err error
			if resp, err = base64.StdEncoding.DecodeString(fields[1]); err != nil {
				c.reply(501, "5.5.2 Invalid base64 data")
				return true
			}
		}
	}

	check := func(username, password string) error {
		c.s.update(func() {
			c.sess.AuthMechanism = mech
			c.sess.AuthUser = username
			c.sess.AuthPassword = password
			c.sess.AuthOverTLS = c.isTLS
		})
		if username != c.s.cfg.Username || password != c.s.cfg.Password {
			return errBadCredentials
		}
		return nil
	}

	var srv sasl.Server
	switch mech {
	case "PLAIN":
		srv = sasl.NewPlainServer(func(identity, username, password string) error {
			return check(username, password)
		})
	case "LOGIN":
		srv = &loginServer{authenticate: check}
	default:
		c.reply(504, "5.5.4 Unrecognized authentication type")
		return true
	}

	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			c.reply(535, "5.7.8 Authentication credentials invalid")
			return true
		}
		if done {
			c.authenticated = true
			c.s.update(func() { c.sess.Authenticated = true })
			c.reply(235, "2.7.0 Authentication successful")
			return true
		}

		c.reply(334, base64.StdEncoding.EncodeToString(challenge))

		line, err := c.tp.ReadLine()
		if err != nil {
			return false
		}
		if line == "*" {
			c.reply(501, "5.0.0 Authentication cancelled")
			return true
		}
		if resp, err = base64.StdEncoding.DecodeString(line); err != nil {
			c.reply(501, "5.5.2 Invalid base64 data")
			return true
		}
	}
}

// path extracts the address from `FROM:<addr> PARAMS` style arguments.
func path(arg, prefix string) (string, bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(prefix):])
	if !strings.HasPrefix(rest, "<") {
		return "", false
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", false
	}
	return rest[1:end], true
}

func (c *conversation) mail(arg string) {

	switch {
	case !c.greeted:
		c.reply(503, "5.5.1 EHLO first")
		return
	case c.s.cfg.Username != "" && !c.authenticated:
		c.reply(530, "5.7.0 Authentication required")
		return
	case c.mailFrom != "":
		c.reply(503, "5.5.1 Nested MAIL command")
		return
	}

	from, ok := path(arg, "FROM:")
	if !ok || from == "" {
		c.reply(501, "5.5.4 Syntax: MAIL FROM:<address>")
		return
	}

	c.mailFrom = from
	c.s.update(func() { c.sess.MailFrom = from })
	c.reply(250, "2.1.0 Sender OK")
}

func (c *conversation) rcpt(arg string) {

	if c.mailFrom == "" {
		c.reply(503, "5.5.1 MAIL first")
		return
	}

	to, ok := path(arg, "TO:")
	if !ok || to == "" {
		c.reply(501, "5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	if slices.Contains(c.s.cfg.RejectRecipients, to) {
		c.reply(550, "5.1.1 Mailbox unavailable")
		return
	}

	c.rcpts++
	c.s.update(func() { c.sess.RcptTo = append(c.sess.RcptTo, to) })
	c.reply(250, "2.1.5 Recipient OK")
}

// data reports whether the connection is still usable.
func (c *conversation) data() bool {

	if c.rcpts == 0 {
		c.reply(503, "5.5.1 RCPT first")
		return true
	}

	c.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	data, err := c.tp.ReadDotBytes()
	if err != nil {
		return false
	}
	c.mailFrom, c.rcpts = "", 0

	if c.s.cfg.MaxMessageBytes > 0 && len(data) > c.s.cfg.MaxMessageBytes {
		c.reply(552, "5.3.4 Message too big")
		return true
	}

	c.s.update(func() { c.sess.Data = data })
	c.reply(250, "2.0.0 OK queued")
	return true
}

// loginServer is the server side of the LOGIN mechanism, with or without an
// initial response carrying the user name.
type loginServer struct {
	step         int
	username     string
	authenticate func(username, password string) error
}

var _ sasl.Server = (*loginServer)(nil)

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.step {
	case 0:
		a.step++
		if response == nil {
			return []byte("Username:"), false, nil
		}
		fallthrough
	case 1:
		a.username = string(response)
		a.step = 2
		return []byte("Password:"), false, nil
	case 2:
		a.step++
		return nil, true, a.authenticate(a.username, string(response))
	}
	return nil, false, sasl.ErrUnexpectedClientResponse
}
