package cmd

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"firestige.xyz/wiretap/internal/command"
	"firestige.xyz/wiretap/internal/credential"
	"firestige.xyz/wiretap/internal/eventbus"
)

// MockClient is a mock implementation of Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) InterfacesList(ctx context.Context) (*command.InterfacesListResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*command.InterfacesListResult), args.Error(1)
}

func (m *MockClient) CaptureStart(ctx context.Context, params command.CaptureStartParams, wait time.Duration) (*command.CaptureStartResult, error) {
	args := m.Called(ctx, params, wait)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*command.CaptureStartResult), args.Error(1)
}

func (m *MockClient) CaptureStop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) CaptureStatus(ctx context.Context) (*command.CaptureStatusResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*command.CaptureStatusResult), args.Error(1)
}

func (m *MockClient) CredentialRespond(ctx context.Context, resp credential.Response) (bool, error) {
	args := m.Called(ctx, resp)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) DaemonStatus(ctx context.Context) (*command.DaemonStatusResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*command.DaemonStatusResult), args.Error(1)
}

func (m *MockClient) DaemonShutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Subscribe(ctx context.Context, topics []eventbus.Topic, ready func(), fn func(*eventbus.Event) error) error {
	args := m.Called(ctx, topics, ready, fn)
	return args.Error(0)
}

// fakePrompter answers prompts from fixed values.
type fakePrompter struct {
	approve bool
	secret  string
	err     error
	asked   []string
}

func (p *fakePrompter) Confirm(prompt string) (bool, error) {
	p.asked = append(p.asked, prompt)
	return p.approve, p.err
}

func (p *fakePrompter) Secret(prompt string) (string, error) {
	p.asked = append(p.asked, prompt)
	return p.secret, p.err
}
