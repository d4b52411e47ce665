// Package stages provides a small toolbox of ready-made pipeline stages:
// sources, transformations and sinks built on the pkg/flow/pipe lifecycle
// contract. Each constructor returns a pipe.Stage to be wrapped with
// pipe.New or pipe.NewWithConfig.
package stages

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/emitflow/emitflow/pkg/flow/pipe"
)

// FromSlice returns a source stage that emits each item in order and
// finishes.
func FromSlice(items ...any) pipe.Stage {
	return &fromSlice{items: items}
}

type fromSlice struct {
	items []any
}

func (s *fromSlice) Setup(e *pipe.Emitter) error {
	for _, item := range s.items {
		if err := e.Emit(item); err != nil {
			return err
		}
	}
	return nil
}

// ReadLines returns a stage that emits the lines of text files. Paths given
// to the constructor are read during setup; any string received from
// upstream is treated as a further path, so it can act as a source or as a
// mid-chain stage fed by a path-producing upstream.
func ReadLines(paths ...string) pipe.Stage {
	return &readLines{paths: paths}
}

type readLines struct {
	paths []string
}

func (s *readLines) Setup(e *pipe.Emitter) error {
	for _, path := range s.paths {
		if err := s.emitFile(e, path); err != nil {
			return err
		}
	}
	return nil
}

func (s *readLines) Process(e *pipe.Emitter, v any) error {
	path, ok := v.(string)
	if !ok {
		return fmt.Errorf("stages: ReadLines expects a file path string, got %T", v)
	}
	return s.emitFile(e, path)
}

func (s *readLines) emitFile(e *pipe.Emitter, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := e.Emit(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Exec returns a stage that runs commands and emits their standard output as
// a string. A command given to the constructor runs during setup; any string
// received from upstream is run as a further command. Commands are split on
// whitespace, not interpreted by a shell.
func Exec(command ...string) pipe.Stage {
	return &execStage{commands: command}
}

type execStage struct {
	commands []string
}

func (s *execStage) Setup(e *pipe.Emitter) error {
	for _, command := range s.commands {
		if err := s.run(e, command); err != nil {
			return err
		}
	}
	return nil
}

func (s *execStage) Process(e *pipe.Emitter, v any) error {
	command, ok := v.(string)
	if !ok {
		return fmt.Errorf("stages: Exec expects a command string, got %T", v)
	}
	return s.run(e, command)
}

func (s *execStage) run(e *pipe.Emitter, command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("stages: Exec got an empty command")
	}
	out, err := exec.CommandContext(e.Context(), fields[0], fields[1:]...).Output()
	if err != nil {
		return fmt.Errorf("stages: exec %q: %w", command, err)
	}
	return e.Emit(string(out))
}
