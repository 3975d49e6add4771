package mailer

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Dialer opens the plaintext connection a session starts on. *net.Dialer
// implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Mailer submits messages through one relay account. Each Send opens,
// uses and closes its own session, so a Mailer is safe for concurrent use.
type Mailer struct {
	cfg       Config
	dialer    Dialer
	tlsConfig *tls.Config
	logger    *slog.Logger
	metrics   *Metrics
	textproto CreateTextprotoConnFn
}

// Option configures a Mailer.
type Option func(*Mailer)

// WithDialer replaces the default *net.Dialer.
func WithDialer(d Dialer) Option {
	return func(m *Mailer) { m.dialer = d }
}

// WithTLSConfig replaces the TLSConfig(host) used for STARTTLS. An empty
// ServerName is filled with the relay host.
func WithTLSConfig(c *tls.Config) Option {
	return func(m *Mailer) { m.tlsConfig = c }
}

// WithLogger sets the structured logger; the default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mailer) { m.logger = l }
}

// WithMetrics records every Send in mt.
func WithMetrics(mt *Metrics) Option {
	return func(m *Mailer) { m.metrics = mt }
}

// WithSessionLog wraps every session's textproto connection with fn, e.g.
// TextprotoLogged. It takes precedence over Config.SessionLog.
func WithSessionLog(fn CreateTextprotoConnFn) Option {
	return func(m *Mailer) { m.textproto = fn }
}

// New returns a Mailer for cfg. cfg is used as given; see Config.Validate.
func New(cfg Config, opts ...Option) *Mailer {

	if cfg.HelloName == "" {
		cfg.HelloName = defaultHelloName
	}

	m := &Mailer{
		cfg:    cfg,
		dialer: &net.Dialer{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tlsConfig == nil {
		m.tlsConfig = TLSConfig(cfg.Host)
	}
	return m
}

/*
Send e-mails bodyText to recipient through smtpHost:587, as smtpUser.

	sender          `From` header only; the envelope sender is smtpUser
	attachmentPath  optional file, attached as application/octet-stream

The session is STARTTLS-upgraded and authenticated before the message is
submitted. Failures are *SendError values; test them with errors.Is against
ErrFileAccess, ErrNetwork, ErrTLSUpgrade, ErrAuthentication or
ErrSMTPProtocol.
*/
func Send(recipient, sender, subject, bodyText, attachmentPath, smtpHost, smtpUser, smtpPassword string) error {

	m := New(Config{
		Host:     smtpHost,
		Username: smtpUser,
		Password: smtpPassword,
		Timeout:  defaultTimeout,
	})

	return m.Send(context.Background(), Message{
		From:           sender,
		To:             recipient,
		Subject:        subject,
		Text:           []byte(bodyText),
		AttachmentPath: attachmentPath,
	})
}

// Send renders msg, then submits it in a fresh session:
//
//	dial host:587, EHLO, STARTTLS, EHLO, AUTH, MAIL FROM:<username>,
//	RCPT TO:<msg.To>, DATA, QUIT
//
// The message, attachment included, is complete before any network I/O.
// The first failure aborts the send and closes the connection.
func (m *Mailer) Send(ctx context.Context, msg Message) (E error) {

	start := time.Now()
	log := m.logger.With("host", m.cfg.Host, "to", msg.To)

	defer func() {
		elapsed := time.Since(start)
		m.metrics.observe(m.cfg.Host, E, elapsed)
		if E != nil {
			log.Warn("mail not sent", "error", E, "duration", elapsed)
		} else {
			log.Info("mail sent", "duration", elapsed)
		}
	}()

	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	// [1-3]: MESSAGE-TO-BYTESTREAM
	raw, E := msg.Bytes()
	if E != nil {
		return
	}
	log.Debug("message composed", "bytes", len(raw), "attachment", msg.AttachmentPath != "")

	// [4-8]: ESTABLISH SMTP SESSION
	fnTextproto := m.textproto
	if fnTextproto == nil {
		var closer io.Closer
		fnTextproto, closer, E = m.cfg.openSessionLog()
		if E != nil {
			return &SendError{Kind: ErrSessionLog, Op: "open session log", Err: E}
		}
		if closer != nil {
			defer closer.Close()
		}
	}

	pCli, stop, E := m.establish(ctx, log, fnTextproto)
	if E != nil {
		return
	}
	defer stop()
	// NOTE: after a successful QUIT this is a no-op
	defer pCli.Close()

	// [9]: SUBMIT; ENVELOPE SENDER IS THE AUTHENTICATED ACCOUNT
	if err := pCli.Send(m.cfg.Username, []string{msg.To}, raw); err != nil {
		return newSendError(ctx, replyKind(err, ErrSMTPProtocol), "submit", err)
	}
	log.Debug("message accepted", "envelope_from", m.cfg.Username)

	// [10]: CLOSE SMTP SESSION
	if err := pCli.Quit(); err != nil {
		log.Debug("QUIT failed after the message was accepted", "error", err)
	}
	return nil
}

// establish dials the relay and runs greeting, EHLO, STARTTLS, EHLO and AUTH.
// On error the connection is closed. The returned stop func detaches the
// session from ctx.
func (m *Mailer) establish(ctx context.Context, log *slog.Logger, fnTextproto CreateTextprotoConnFn) (*Client, func() bool, error) {

	dialAddr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(SubmissionPort))

	// [4]: open an unencrypted network connection
	iConn, err := m.dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, nil, newSendError(ctx, ErrNetwork, "dial "+dialAddr, err)
	}
	log.Debug("connected", "addr", dialAddr)

	// COMMS DEADLINE & CANCELLATION
	if deadline, ok := ctx.Deadline(); ok {
		if err = iConn.SetDeadline(deadline); err != nil {
			iConn.Close()
			return nil, nil, newSendError(ctx, ErrNetwork, "set deadline", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		iConn.SetDeadline(time.Unix(1, 0))
	})

	pCli, err := m.handshake(ctx, log, iConn, fnTextproto)
	if err != nil {
		stop()
		return nil, nil, err
	}
	return pCli, stop, nil
}

func (m *Mailer) handshake(ctx context.Context, log *slog.Logger, iConn net.Conn, fnTextproto CreateTextprotoConnFn) (_ *Client, E error) {

	// [5]: greeting & EHLO
	pCli, err := NewClient(iConn, m.cfg.Host, m.cfg.HelloName, fnTextproto)
	if err != nil {
		return nil, newSendError(ctx, replyKind(err, ErrSMTPProtocol), "greeting", err)
	}

	defer func() {
		if E != nil {
			pCli.Close()
		}
	}()

	// [6]: negotiate TLS in SMTP session
	if err = pCli.StartTLS(ctx, m.tlsConfig); err != nil {
		kind := ErrTLSUpgrade
		if ctx.Err() != nil {
			kind = ErrNetwork
		}
		return nil, newSendError(ctx, kind, "starttls", err)
	}
	log.Debug("TLS established")

	// [7]: re-read extensions over the encrypted channel
	if err = pCli.Hello(m.cfg.HelloName); err != nil {
		return nil, newSendError(ctx, replyKind(err, ErrSMTPProtocol), "ehlo", err)
	}

	// [8]: authenticate
	iAuth, err := saslClient(pCli.AuthMechanisms(), m.cfg.Username, m.cfg.Password)
	if err != nil {
		return nil, newSendError(ctx, ErrAuthentication, "auth", err)
	}
	if err = pCli.Auth(iAuth); err != nil {
		kind := ErrAuthentication
		if isTransport(err) {
			kind = ErrNetwork
		}
		return nil, newSendError(ctx, kind, "auth", err)
	}
	log.Debug("authenticated", "user", m.cfg.Username)

	return pCli, nil
}
