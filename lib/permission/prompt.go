// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoTerminal is returned by TerminalPrompter when its input is not
// a terminal.
var ErrNoTerminal = errors.New("no terminal available for permission prompt")

// Context is what the prompter shows alongside a request.
type Context struct {
	// Title is the archive's manifest title, or the proposed title
	// for a new archive.
	Title string
}

// Prompter decides permission requests that have no recorded grant.
type Prompter interface {
	RequestPermission(ctx context.Context, permKey, origin string, details Context) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, permKey, origin string, details Context) (bool, error)

func (f PrompterFunc) RequestPermission(ctx context.Context, permKey, origin string, details Context) (bool, error) {
	return f(ctx, permKey, origin, details)
}

// StaticPrompter answers every request the same way. Headless daemons
// use it with Allow false.
type StaticPrompter struct {
	Allow bool
}

func (p StaticPrompter) RequestPermission(ctx context.Context, permKey, origin string, details Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.Allow, nil
}

// TerminalPrompter asks the operator on a terminal. Anything other
// than "y" or "yes" is a denial.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

// NewPrompter builds the prompter named by a configuration mode:
// "terminal", "allow", or "deny".
func NewPrompter(mode string) (Prompter, error) {
	switch mode {
	case "terminal":
		return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}, nil
	case "allow":
		return StaticPrompter{Allow: true}, nil
	case "deny", "":
		return StaticPrompter{Allow: false}, nil
	default:
		return nil, fmt.Errorf("permission: unknown prompt mode %q", mode)
	}
}

func (p *TerminalPrompter) RequestPermission(ctx context.Context, permKey, origin string, details Context) (bool, error) {
	fd := int(p.In.Fd())
	if !term.IsTerminal(fd) {
		return false, ErrNoTerminal
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return false, fmt.Errorf("entering raw mode: %w", err)
	}
	defer term.Restore(fd, state)

	screen := struct {
		io.Reader
		io.Writer
	}{p.In, p.Out}
	terminal := term.NewTerminal(screen, "")
	fmt.Fprintf(terminal, "%s\r\n", describe(permKey, origin, details))
	terminal.SetPrompt("Allow? [y/N] ")

	type answer struct {
		line string
		err  error
	}
	answers := make(chan answer, 1)
	go func() {
		line, err := terminal.ReadLine()
		answers <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case reply := <-answers:
		if reply.err != nil {
			return false, fmt.Errorf("reading answer: %w", reply.err)
		}
		switch strings.ToLower(strings.TrimSpace(reply.line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

// describe renders a request for a human.
func describe(permKey, origin string, details Context) string {
	switch {
	case permKey == CreateKey:
		if details.Title != "" {
			return fmt.Sprintf("%s wants to create a new archive %q.", origin, details.Title)
		}
		return fmt.Sprintf("%s wants to create a new archive.", origin)
	case strings.HasPrefix(permKey, "modifyDat:"):
		target := strings.TrimPrefix(permKey, "modifyDat:")
		if details.Title != "" {
			target = fmt.Sprintf("%q (%s)", details.Title, target)
		}
		return fmt.Sprintf("%s wants to modify the archive %s.", origin, target)
	}
	return fmt.Sprintf("%s requests %s.", origin, permKey)
}
