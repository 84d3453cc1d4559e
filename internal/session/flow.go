package session

import (
	"net"
	"strings"
)

// Flow is the grant flow a session authenticates with.
type Flow int

const (
	FlowAssertion Flow = iota
	FlowPassword
	FlowLocalCallback
	FlowExternalCallback
)

// String returns the string representation of the flow.
func (f Flow) String() string {
	switch f {
	case FlowAssertion:
		return "assertion"
	case FlowPassword:
		return "password"
	case FlowLocalCallback:
		return "local_callback"
	case FlowExternalCallback:
		return "external_callback"
	default:
		return "unknown"
	}
}

// Interactive reports whether the flow is an authorization code flow.
func (f Flow) Interactive() bool {
	return f == FlowLocalCallback || f == FlowExternalCallback
}

// rerunsOnReauth reports whether the session logs in again by itself when
// its refresh token is rejected.
func (f Flow) rerunsOnReauth() bool {
	return f == FlowLocalCallback || f == FlowPassword
}

// SelectFlow decides which flow a session created with opts runs.
// An assertion wins over a password, which wins over the interactive flow.
func SelectFlow(opts Options) Flow {
	switch {
	case opts.Assertion != nil:
		return FlowAssertion
	case opts.Credentials.Password != "":
		return FlowPassword
	case !opts.ForceExternalFlow && isLoopback(callbackHost(opts)):
		return FlowLocalCallback
	default:
		return FlowExternalCallback
	}
}

func callbackHost(opts Options) string {
	if opts.Callback.Host == "" {
		return DefaultCallbackHost
	}
	return opts.Callback.Host
}

// isLoopback reports whether host only resolves to this machine.
func isLoopback(host string) bool {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
