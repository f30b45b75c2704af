package sshd

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/anmitsu/go-shlex"
	"github.com/armon/go-radix"
)

// CommandFlags is called before help or command execution to parse command line flags.
// It returns the flag set and a pointer to the struct the flags are parsed into.
type CommandFlags func() (*flag.FlagSet, any)

// CommandCallback runs a command.
// fs is the struct returned by Command.Flags, if there was one. -h and -help are handled before the callback runs.
// a holds the arguments left over after flag parsing.
// An error returned here is only logged, the callback is expected to tell the user what went wrong.
type CommandCallback func(fs any, a []string, w StringWriter) error

type Command struct {
	Name             string
	ShortDescription string
	Help             string
	Flags            CommandFlags
	Callback         CommandCallback
}

func execCommand(c *Command, args []string, w StringWriter) error {
	var fs any

	if c.Flags != nil {
		var fl *flag.FlagSet
		fl, fs = c.Flags()
		if fl != nil {
			fl.SetOutput(w.GetWriter())
			if err := fl.Parse(args); err != nil {
				// Parse already told the user
				return err
			}
			args = fl.Args()
		}
	}

	return c.Callback(fs, args, w)
}

// dispatchCommand splits line and runs the matching command, unknown commands print the command list.
func dispatchCommand(commands *radix.Tree, line string, w StringWriter) {
	args, err := shlex.Split(line, true)
	if err != nil {
		_ = w.WriteLine(fmt.Sprintf("could not parse: %s", err))
		return
	}

	if len(args) == 0 {
		dumpCommands(commands, w)
		return
	}

	c, err := lookupCommand(commands, args[0])
	if err != nil {
		return
	}

	if c == nil {
		_ = w.WriteLine(fmt.Sprintf("did not understand: %s", line))
		dumpCommands(commands, w)
		return
	}

	if checkHelpArgs(args) {
		_ = helpCallback(commands, []string{c.Name}, w)
		return
	}

	_ = execCommand(c, args[1:], w)
}

func dumpCommands(c *radix.Tree, w StringWriter) {
	if err := w.WriteLine("Available commands:"); err != nil {
		return
	}

	cmds := make([]string, 0)
	for _, l := range allCommands(c) {
		cmds = append(cmds, fmt.Sprintf("%s - %s", l.Name, l.ShortDescription))
	}

	sort.Strings(cmds)
	_ = w.Write(strings.Join(cmds, "\n") + "\n\n")
}

func lookupCommand(c *radix.Tree, sCmd string) (*Command, error) {
	cmd, ok := c.Get(sCmd)
	if !ok {
		return nil, nil
	}

	command, ok := cmd.(*Command)
	if !ok {
		return nil, errors.New("failed to cast command")
	}

	return command, nil
}

func matchCommand(c *radix.Tree, cmd string) []string {
	cmds := make([]string, 0)
	c.WalkPrefix(cmd, func(found string, v any) bool {
		cmds = append(cmds, found)
		return false
	})
	sort.Strings(cmds)
	return cmds
}

func allCommands(c *radix.Tree) []*Command {
	cmds := make([]*Command, 0)
	c.Walk(func(found string, v any) bool {
		if cmd, ok := v.(*Command); ok {
			cmds = append(cmds, cmd)
		}
		return false
	})
	return cmds
}

func helpCallback(commands *radix.Tree, a []string, w StringWriter) error {
	if len(a) == 0 {
		dumpCommands(commands, w)
		return nil
	}

	cmd, err := lookupCommand(commands, a[0])
	if err != nil {
		return err
	}

	if cmd == nil {
		return w.WriteLine("Command not available " + a[0])
	}

	if err := w.WriteLine(fmt.Sprintf("%s - %s", cmd.Name, cmd.ShortDescription)); err != nil {
		return err
	}

	if cmd.Help != "" {
		if err := w.WriteLine("  " + cmd.Help); err != nil {
			return err
		}
	}

	if cmd.Flags != nil {
		if fs, _ := cmd.Flags(); fs != nil {
			fs.SetOutput(w.GetWriter())
			fs.PrintDefaults()
		}
	}

	return nil
}

func checkHelpArgs(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "-help" {
			return true
		}
	}

	return false
}
