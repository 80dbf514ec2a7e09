package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"firestige.xyz/wiretap/internal/core"
	"firestige.xyz/wiretap/internal/credential"
)

// Prompter asks the operator the questions a session needs answered.
type Prompter interface {
	Confirm(prompt string) (bool, error)
	Secret(prompt string) (string, error)
}

// terminalPrompter reads answers from a terminal. Secrets are read without
// echo when in is a terminal.
type terminalPrompter struct {
	in     *bufio.Reader
	out    io.Writer
	fd     int
	isTerm bool
}

func newTerminalPrompter(in *os.File, out io.Writer) *terminalPrompter {
	fd := int(in.Fd())
	return &terminalPrompter{
		in:     bufio.NewReader(in),
		out:    out,
		fd:     fd,
		isTerm: term.IsTerminal(fd),
	}
}

func (p *terminalPrompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *terminalPrompter) Confirm(prompt string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N] ", prompt)
	line, err := p.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (p *terminalPrompter) Secret(prompt string) (string, error) {
	fmt.Fprintf(p.out, "%s ", prompt)
	if !p.isTerm {
		return p.readLine()
	}
	data, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// answerPrompt asks the operator req's question. A prompter failure, such as
// EOF on stdin, dismisses the request.
func answerPrompt(p Prompter, req core.PromptRequest) credential.Response {
	resp := credential.Response{RequestID: req.ID}
	switch req.Kind {
	case core.PromptConfirm:
		ok, err := p.Confirm(req.Prompt)
		if err != nil {
			resp.Cancelled = true
			break
		}
		resp.Approved = ok
	case core.PromptSecret:
		secret, err := p.Secret(req.Prompt)
		if err != nil {
			resp.Cancelled = true
			break
		}
		resp.Secret = secret
	default:
		resp.Cancelled = true
	}
	return resp
}

// promptOf extracts an operator prompt from a status event.
func promptOf(st *core.StatusEvent) (core.PromptRequest, bool) {
	if st == nil || st.Request == nil {
		return core.PromptRequest{}, false
	}
	switch st.Status {
	case core.StatusRequestingConfirmation, core.StatusRequestingCredential:
		return *st.Request, true
	}
	return core.PromptRequest{}, false
}
