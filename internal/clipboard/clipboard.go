// Package clipboard copies answers and test-case summaries to the system
// clipboard through whichever copy tool the platform provides.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

var ErrToolNotFound = errors.New("clipboard tool not found")

type Command struct {
	Path string
	Args []string
}

type candidate struct {
	name string
	args []string
}

var candidates = map[string][]candidate{
	"darwin":  {{name: "pbcopy"}},
	"windows": {{name: "clip.exe"}, {name: "clip"}},
	"linux": {
		{name: "wl-copy"},
		{name: "xclip", args: []string{"-selection", "clipboard"}},
		{name: "xsel", args: []string{"--clipboard", "--input"}},
	},
}

// SelectCommand picks the first available copy tool for goos.
func SelectCommand(goos string, lookPath func(string) (string, error)) (Command, error) {
	for _, c := range candidates[goos] {
		if path, err := lookPath(c.name); err == nil {
			return Command{Path: path, Args: c.args}, nil
		}
	}
	return Command{}, ErrToolNotFound
}

// Copier writes text to the stdin of the selected copy tool.
type Copier struct {
	goos     string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, cmd Command, stdin string) error
}

func New() *Copier {
	return &Copier{goos: runtime.GOOS, lookPath: exec.LookPath, run: runCommand}
}

func (c *Copier) Copy(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("nothing to copy")
	}
	cmdDef, err := SelectCommand(c.goos, c.lookPath)
	if err != nil {
		return err
	}
	return c.run(ctx, cmdDef, text)
}

// Copy uses the platform's default tool.
func Copy(ctx context.Context, text string) error {
	return New().Copy(ctx, text)
}

func runCommand(ctx context.Context, def Command, text string) error {
	cmd := exec.CommandContext(ctx, def.Path, def.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("clipboard stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start clipboard command: %w", err)
	}

	if _, err := stdin.Write([]byte(text)); err != nil {
		_ = stdin.Close()
		_ = cmd.Wait()
		return fmt.Errorf("write clipboard data: %w", err)
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("clipboard command failed: %w", err)
	}
	return nil
}
