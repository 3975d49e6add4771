package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// MailErr classifies every failure returned by this package. Use errors.Is
// against the constants below to branch on the kind of failure.
type MailErr int

const (
	ErrMissingToOrFrom MailErr = iota
	ErrHasCRLF
	ErrContentType
	ErrFileAccess
	ErrNetwork
	ErrTLSUpgrade
	ErrSTARTTLSNotOffered
	ErrAuthentication
	ErrAuthNotOffered
	ErrUnexpectedServerChallenge
	ErrSMTPProtocol
	ErrLateHELO
	ErrNoRecipient
	ErrNoSubject
	ErrTemplateName
	ErrSessionLog
)

func (e MailErr) Error() string {
	switch e {
	case ErrMissingToOrFrom:
		return "must specify a `From` address and a `To` address"
	case ErrHasCRLF:
		return "line must not contain CR or LF"
	case ErrContentType:
		return "text part must be text/plain or text/html"
	case ErrFileAccess:
		return "attachment not readable"
	case ErrNetwork:
		return "network failure"
	case ErrTLSUpgrade:
		return "STARTTLS upgrade failed"
	case ErrSTARTTLSNotOffered:
		return "STARTTLS not offered by server"
	case ErrAuthentication:
		return "authentication failed"
	case ErrAuthNotOffered:
		return "no supported AUTH mechanism offered by server"
	case ErrUnexpectedServerChallenge:
		return "unexpected server challenge"
	case ErrSMTPProtocol:
		return "rejected by server"
	case ErrLateHELO:
		return "HELO called after other methods"
	case ErrNoRecipient:
		return "template has no recipient"
	case ErrNoSubject:
		return "template has no subject"
	case ErrTemplateName:
		return "template name must carry the .email extension"
	case ErrSessionLog:
		return "session log not writable"
	}
	return "unknown MailErr"
}

// label is the metrics label of the error kind.
func (e MailErr) label() string {
	switch e {
	case ErrFileAccess:
		return "file_access"
	case ErrNetwork:
		return "network"
	case ErrTLSUpgrade:
		return "tls_upgrade"
	case ErrAuthentication:
		return "authentication"
	case ErrSMTPProtocol:
		return "smtp_protocol"
	case ErrSessionLog:
		return "session_log"
	}
	return "invalid_message"
}

// SendError is the error returned by Mailer.Send. Kind is one of
// ErrFileAccess, ErrNetwork, ErrTLSUpgrade, ErrAuthentication,
// ErrSMTPProtocol or a local validation kind; Err keeps the cause, e.g. the
// *textproto.Error carrying the server's reply code.
type SendError struct {
	Kind MailErr
	Op   string
	Err  error
}

func (e *SendError) Error() string {
	if e.Err == nil || e.Err == error(e.Kind) {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.Error())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind.Error(), e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Is matches the error kind, so errors.Is(err, ErrAuthentication) holds for
// every authentication failure whatever its cause.
func (e *SendError) Is(target error) bool {
	k, ok := target.(MailErr)
	return ok && k == e.Kind
}

// KindOf reports the kind of a failure returned by this package.
func KindOf(err error) (MailErr, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	var me MailErr
	if errors.As(err, &me) {
		return me, true
	}
	return 0, false
}

// isTransport reports whether err came from the connection itself rather than
// from something the server replied.
func isTransport(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// replyKind maps err to ErrNetwork for transport failures, to the MailErr it
// already carries, or else to kind.
func replyKind(err error, kind MailErr) MailErr {
	if isTransport(err) {
		return ErrNetwork
	}
	var me MailErr
	if errors.As(err, &me) {
		return me
	}
	return kind
}

// newSendError wraps err unless it is already a *SendError. When ctx is done
// its error is joined in so callers can test for context.Canceled.
func newSendError(ctx context.Context, kind MailErr, op string, err error) error {
	var se *SendError
	if errors.As(err, &se) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
		kind = ErrNetwork
	}
	return &SendError{Kind: kind, Op: op, Err: err}
}
