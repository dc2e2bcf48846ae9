// Package cli provides the command tree backing cmd/eposkctl, shaped
// after v.io/x/lib/cmdline's Command/Runner/Env/Main/Parse model but
// implemented directly on the standard library: cmdline's own env.go and
// reflect.go, all of cmdline2, and the envvar/textutil packages they lean
// on are not safely reusable here (see DESIGN.md), so this package keeps
// the shape and drops those dependencies.
package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
)

// Env carries a command's ambient I/O and process environment, the
// counterpart of cmdline.Env: passing it explicitly instead of reading
// os.Stdout/os.Args directly keeps Runner implementations testable.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer
	Args   []string
	Vars   map[string]string
}

// DefaultEnv returns an Env bound to the real process.
func DefaultEnv() *Env {
	vars := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				vars[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return &Env{Stdout: os.Stdout, Stderr: os.Stderr, Args: os.Args[1:], Vars: vars}
}

// Runner is the function a Command invokes once flags have been parsed,
// the counterpart of cmdline.Runner's Run method, simplified to a single
// function value since this tree never needs cmdline's nested
// Runner/Command mutual recursion for its six flat subcommands.
type Runner func(env *Env, args []string) error

// Command is one node in the command tree: a named subcommand with its
// own flag set and either a Runner (leaf) or child Commands (branch).
type Command struct {
	Name     string
	Short    string
	Flags    *flag.FlagSet
	Runner   Runner
	Children []*Command
}

// NewCommand constructs a leaf or branch command. Pass a nil Runner for a
// branch node that only dispatches to Children.
func NewCommand(name, short string, run Runner) *Command {
	return &Command{
		Name:   name,
		Short:  short,
		Flags:  flag.NewFlagSet(name, flag.ContinueOnError),
		Runner: run,
	}
}

// AddChild registers a subcommand under c.
func (c *Command) AddChild(child *Command) {
	c.Children = append(c.Children, child)
}

// Main parses argv against the command tree rooted at c and runs the
// selected leaf, the counterpart of cmdline.Main's dispatch loop. The
// first positional argument selects a child; remaining arguments are
// that child's own flags and positional arguments.
func (c *Command) Main(env *Env, argv []string) error {
	if len(argv) == 0 {
		c.usage(env)
		return fmt.Errorf("%s: missing subcommand", c.Name)
	}
	name := argv[0]
	if name == "-h" || name == "-help" || name == "--help" {
		c.usage(env)
		return nil
	}
	for _, child := range c.Children {
		if child.Name == name {
			return child.run(env, argv[1:])
		}
	}
	c.usage(env)
	return fmt.Errorf("%s: unknown subcommand %q", c.Name, name)
}

func (c *Command) run(env *Env, argv []string) error {
	if len(c.Children) > 0 {
		return c.Main(env, argv)
	}
	c.Flags.SetOutput(env.Stderr)
	if err := c.Flags.Parse(argv); err != nil {
		return err
	}
	if c.Runner == nil {
		return fmt.Errorf("%s: no runner registered", c.Name)
	}
	return c.Runner(env, c.Flags.Args())
}

// usage writes a short help listing, the counterpart of cmdline's
// auto-generated help text, without textutil's terminal-width wrapping:
// a fixed-width listing is good enough for a demo binary's --help output.
func (c *Command) usage(env *Env) {
	fmt.Fprintf(env.Stderr, "%s: %s\n", c.Name, c.Short)
	if len(c.Children) == 0 {
		return
	}
	fmt.Fprintln(env.Stderr, "\nSubcommands:")
	names := make([]*Command, len(c.Children))
	copy(names, c.Children)
	sort.Slice(names, func(i, j int) bool { return names[i].Name < names[j].Name })
	for _, child := range names {
		fmt.Fprintf(env.Stderr, "  %-16s %s\n", child.Name, child.Short)
	}
}
