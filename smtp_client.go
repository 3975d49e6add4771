// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mailer

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/textproto"
	"strings"

	"github.com/emersion/go-sasl"
)

/*
	Client implements the client side of the Simple Mail Transfer Protocol
	as defined in RFC 5321, restricted to what a submission client needs:
		EHLO/HELO
		STARTTLS  RFC 3207
		AUTH      RFC 4954 (SASL mechanisms from go-sasl)
		MAIL, RCPT, DATA, QUIT
*/
type Client struct {
	// This is the TextProtoConn interface used by the Client.
	// It is exported to allow for clients to add extensions.
	Text TextProtoConn

	// cached wrapper function to preserve wrapping on STARTTLS upgrade
	fnNewTextproto CreateTextprotoConnFn

	// keep a reference to the connection so it can be used to create a TLS
	// connection later
	conn net.Conn

	serverName string

	// map of supported extensions
	ext map[string]string

	// supported auth mechanisms
	auth []string

	localName  string // the name to use in HELO/EHLO
	didHello   bool   // whether we've said HELO/EHLO
	helloError error  // the error from the hello
}

// Close closes the connection without a QUIT.
func (c *Client) Close() error {
	return c.Text.Close()
}

// hello runs a hello exchange if needed.
func (c *Client) hello() error {
	if !c.didHello {
		c.didHello = true
		err := c.ehlo()
		if err != nil {
			c.helloError = c.helo()
		}
	}
	return c.helloError
}

// Hello sends a HELO or EHLO to the server as the given host name.
// It must be called before any of the other methods, or right after
// StartTLS to learn the extensions offered over the encrypted channel.
func (c *Client) Hello(localName string) error {
	if err := validateLine(localName); err != nil {
		return err
	}
	if c.didHello {
		return ErrLateHELO
	}
	c.localName = localName
	return c.hello()
}

// cmd is a convenience function that sends a command and returns the response
func (c *Client) cmd(expectCode int, format string, args ...any) (int, string, error) {
	id, err := c.Text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)
	code, msg, err := c.Text.ReadResponse(expectCode)
	return code, msg, err
}

// helo sends the HELO greeting to the server. It should be used only when the
// server does not support ehlo.
func (c *Client) helo() error {
	c.ext = nil
	_, _, err := c.cmd(250, "HELO %s", c.localName)
	return err
}

// ehlo sends the EHLO (extended hello) greeting to the server. It
// should be the preferred greeting for servers that support it.
func (c *Client) ehlo() error {
	_, msg, err := c.cmd(250, "EHLO %s", c.localName)
	if err != nil {
		return err
	}
	ext := make(map[string]string)
	extList := strings.Split(msg, "\n")
	if len(extList) > 1 {
		extList = extList[1:]
		for _, line := range extList {
			args := strings.SplitN(line, " ", 2)
			if len(args) > 1 {
				ext[strings.ToUpper(args[0])] = args[1]
			} else {
				ext[strings.ToUpper(args[0])] = ""
			}
		}
	}
	c.auth = nil
	if mechs, ok := ext["AUTH"]; ok {
		c.auth = strings.Fields(strings.ToUpper(mechs))
	}
	c.ext = ext
	return err
}

// StartTLS sends the STARTTLS command and completes the TLS handshake.
// Only servers that advertise the STARTTLS extension support this function.
//
// The extensions learned so far are dropped; call Hello again before
// anything else so they are re-read over the encrypted channel.
func (c *Client) StartTLS(ctx context.Context, config *tls.Config) error {
	if err := c.hello(); err != nil {
		return err
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return ErrSTARTTLSNotOffered
	}
	if _, _, err := c.cmd(220, "STARTTLS"); err != nil {
		return err
	}

	if config == nil {
		config = TLSConfig(c.serverName)
	} else if config.ServerName == "" {
		config = config.Clone()
		config.ServerName = c.serverName
	}

	tlsConn := tls.Client(c.conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}

	c.conn = tlsConn
	c.Text = c.fnNewTextproto(c.conn)
	c.didHello = false
	c.helloError = nil
	c.ext = nil
	c.auth = nil
	return nil
}

// Auth authenticates a client using the provided SASL mechanism.
// Only servers that advertise the AUTH extension support this function.
// A failed exchange leaves the connection open; the caller closes it.
func (c *Client) Auth(a sasl.Client) error {
	if err := c.hello(); err != nil {
		return err
	}
	encoding := base64.StdEncoding
	mech, resp, err := a.Start()
	if err != nil {
		return err
	}

	cmdStr := "AUTH " + mech
	if resp != nil {
		if len(resp) == 0 {
			cmdStr += " ="
		} else {
			cmdStr += " " + encoding.EncodeToString(resp)
		}
	}

	code, msg64, err := c.cmd(0, "%s", cmdStr)
	for err == nil {
		switch code {
		case 235:
			return nil
		case 334:
		default:
			return &textproto.Error{Code: code, Msg: msg64}
		}

		var challenge []byte
		challenge, err = encoding.DecodeString(msg64)
		if err == nil {
			resp, err = a.Next(challenge)
		}
		if err != nil {
			// abort the AUTH
			c.cmd(501, "*")
			return err
		}
		code, msg64, err = c.cmd(0, "%s", encoding.EncodeToString(resp))
	}
	return err
}

// AuthMechanisms lists the SASL mechanisms advertised in the last EHLO.
func (c *Client) AuthMechanisms() []string {
	if err := c.hello(); err != nil {
		return nil
	}
	return c.auth
}

// Mail issues a MAIL command to the server using the provided email address.
// If the server supports the 8BITMIME extension, Mail adds the BODY=8BITMIME
// parameter.
// This initiates a mail transaction and is followed by one or more Rcpt calls.
func (c *Client) Mail(from string) error {
	if err := validateLine(from); err != nil {
		return err
	}
	if err := c.hello(); err != nil {
		return err
	}
	cmdStr := "MAIL FROM:<%s>"
	if c.ext != nil {
		if _, ok := c.ext["8BITMIME"]; ok {
			cmdStr += " BODY=8BITMIME"
		}
	}
	_, _, err := c.cmd(250, cmdStr, from)
	return err
}

// Rcpt issues a RCPT command to the server using the provided email address.
// A call to Rcpt must be preceded by a call to Mail and may be followed by
// a Data call or another Rcpt call.
func (c *Client) Rcpt(to string) error {
	if err := validateLine(to); err != nil {
		return err
	}
	_, _, err := c.cmd(25, "RCPT TO:<%s>", to)
	return err
}

type dataCloser struct {
	c *Client
	io.WriteCloser
}

func (d *dataCloser) Close() error {
	if err := d.WriteCloser.Close(); err != nil {
		return err
	}
	_, _, err := d.c.Text.ReadResponse(250)
	return err
}

// Data issues a DATA command to the server and returns a writer that
// can be used to write the mail headers and body. The caller should
// close the writer before calling any more methods on c. A call to
// Data must be preceded by one or more calls to Rcpt.
func (c *Client) Data() (io.WriteCloser, error) {
	_, _, err := c.cmd(354, "DATA")
	if err != nil {
		return nil, err
	}
	return &dataCloser{c, c.Text.DotWriter()}, nil
}

// Extension reports whether an extension is support by the server.
// The extension name is case-insensitive. If the extension is supported,
// Extension also returns a string that contains any parameters the
// server specifies for the extension.
func (c *Client) Extension(ext string) (bool, string) {
	if err := c.hello(); err != nil {
		return false, ""
	}
	if c.ext == nil {
		return false, ""
	}
	ext = strings.ToUpper(ext)
	param, ok := c.ext[ext]
	return ok, param
}

// Reset sends the RSET command to the server, aborting the current mail
// transaction.
func (c *Client) Reset() error {
	if err := c.hello(); err != nil {
		return err
	}
	_, _, err := c.cmd(250, "RSET")
	return err
}

// Quit sends the QUIT command and closes the connection to the server.
func (c *Client) Quit() error {
	if err := c.hello(); err != nil {
		return err
	}
	_, _, err := c.cmd(221, "QUIT")
	if err != nil {
		return err
	}
	return c.Text.Close()
}

// validateLine checks to see if a line has CR or LF as per RFC 5321
func validateLine(line string) error {
	if strings.ContainsAny(line, "\n\r") {
		return ErrHasCRLF
	}
	return nil
}

// TLS config recommendations per "So you want to expose Go on the Internet":
// https://blog.cloudflare.com/exposing-go-on-the-internet/
func TLSConfig(hostName string) *tls.Config {

	return &tls.Config{

		ServerName: hostName,

		// Only use curves which have assembly implementations
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		MinVersion: tls.VersionTLS12,

		// TLS 1.2 only; TLS 1.3 suites are not configurable
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// Send runs one mail transaction: MAIL FROM:<envelopeFrom>, one RCPT per
// entry of envelopeTo, then DATA with the rendered message.
func (c *Client) Send(envelopeFrom string, envelopeTo []string, raw []byte) (E error) {

	// CMD: SENDER & RECIPIENTS
	E = c.Mail(envelopeFrom)
	if E != nil {
		return
	}

	for _, addrRecip := range envelopeTo {
		E = c.Rcpt(addrRecip)
		if E != nil {
			return
		}
	}

	// CMD: DATA
	w, E := c.Data()
	if E != nil {
		return
	}

	// WRITE DATA BYTES TO SERVER
	_, E = w.Write(raw)
	if E != nil {
		w.Close()
	} else {
		E = w.Close()
	}

	return
}

func (c *Client) IsTLS() bool {

	if c.conn != nil {
		_, bIsTLS := c.conn.(*tls.Conn)
		return bIsTLS
	}

	return false
}

/*
	NewClient creates an SMTP Client from an existing connection and
	a server hostname, reads the 220 greeting and introduces itself
	with EHLO (falling back to HELO) as localName.

	`fnNewTextproto` creates a TextProtoConn interface from a net.Conn interface.
	This allows us to inject textproto.Conn wrappers that insert/remove/capture
	SMTP traffic before it hits the wire.

	If fnNewTextproto is left nil, the underlying textproto will come from
	textproto.NewConn().

	Close with .Quit() method to end session. On error the connection is
	already closed.
*/
func NewClient(
	iConn net.Conn,
	serverName string,
	localName string,
	fnNewTextproto CreateTextprotoConnFn,
) (c *Client, E error) {

	if fnNewTextproto == nil {
		fnNewTextproto = textprotoFromConn
	}
	if localName == "" {
		localName = "localhost"
	}

	iTextproto := fnNewTextproto(iConn)
	_, _, E = iTextproto.ReadResponse(220)
	if E != nil {
		iTextproto.Close()
		return nil, E
	}

	c = &Client{
		Text:           iTextproto,
		fnNewTextproto: fnNewTextproto,
		conn:           iConn,
		serverName:     serverName,
		localName:      localName,
	}

	E = c.Hello(localName)
	if E != nil {
		c.Close()
		return nil, E
	}

	return c, nil
}
