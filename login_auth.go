package mailer

import (
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

type loginAuth struct {
	username, password string
}

/*
	Returns a sasl.Client implementing the LOGIN authentication mechanism
	(draft-murchison-sasl-login).

	The user name is sent as the initial response; any later "Username:" or
	"Password:" prompt is answered from the server's challenge text, so both
	one-step and two-step servers work.

	NOTE: method used by Office 365 circa 2020.

	NOTE: pieced together from:

		- https://github.com/go-gomail/gomail/issues/16#issuecomment-73672398
		- https://github.com/golang/go/issues/9899
		- https://gist.github.com/homme/22b457eb054a07e7b2fb
*/
func LoginAuth(username, password string) sasl.Client {
	return &loginAuth{username, password}
}

func (a *loginAuth) Start() (mech string, ir []byte, err error) {
	return "LOGIN", []byte(a.username), nil
}

func (a *loginAuth) Next(fromServer []byte) (toServer []byte, E error) {

	command := string(fromServer)
	command = strings.TrimSpace(command)
	command = strings.TrimSuffix(command, ":")
	command = strings.ToLower(command)

	switch command {
	case "username", "user name":
		toServer = []byte(a.username)
	case "password":
		toServer = []byte(a.password)
	default:
		// We've already sent everything.
		E = fmt.Errorf("%w: %q", ErrUnexpectedServerChallenge, command)
	}

	return
}

// saslClient picks the mechanism for the advertised list: PLAIN when offered,
// then LOGIN.
func saslClient(mechs []string, username, password string) (sasl.Client, error) {
	for _, want := range []string{"PLAIN", "LOGIN"} {
		for _, m := range mechs {
			if !strings.EqualFold(m, want) {
				continue
			}
			if want == "PLAIN" {
				return sasl.NewPlainClient("", username, password), nil
			}
			return LoginAuth(username, password), nil
		}
	}
	return nil, ErrAuthNotOffered
}
