package cmd

import (
	"context"
	"time"

	"firestige.xyz/wiretap/internal/command"
	"firestige.xyz/wiretap/internal/credential"
	"firestige.xyz/wiretap/internal/eventbus"
)

// Client is the daemon API the commands use. *command.UDSClient implements it.
type Client interface {
	InterfacesList(ctx context.Context) (*command.InterfacesListResult, error)
	CaptureStart(ctx context.Context, params command.CaptureStartParams, wait time.Duration) (*command.CaptureStartResult, error)
	CaptureStop(ctx context.Context) error
	CaptureStatus(ctx context.Context) (*command.CaptureStatusResult, error)
	CredentialRespond(ctx context.Context, resp credential.Response) (bool, error)
	DaemonStatus(ctx context.Context) (*command.DaemonStatusResult, error)
	DaemonShutdown(ctx context.Context) error
	Subscribe(ctx context.Context, topics []eventbus.Topic, ready func(), fn func(*eventbus.Event) error) error
}

// newClient connects commands to the daemon. Tests replace it.
var newClient = func() (Client, error) {
	sock, err := resolveSocket()
	if err != nil {
		return nil, err
	}
	return command.NewUDSClient(sock, rpcTimeout), nil
}
