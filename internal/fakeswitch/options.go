package fakeswitch

import "go.uber.org/zap"

const DefaultPassword = "ClueCon"

type Options struct {
	// Addr to listen on, defaults to an ephemeral port on localhost
	Addr string

	// Password clients must authenticate with, defaults to DefaultPassword
	Password string

	// APIResponses maps `api` commands, without the verb, to their response
	// body. Unknown commands get an -ERR body.
	APIResponses map[string]string

	// OmitJobUUID drops the Job-UUID header from bgapi replies
	OmitJobUUID bool

	// Reject sends a rude rejection to every new connection, then hangs up
	Reject bool

	Log *zap.Logger
}
