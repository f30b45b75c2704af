package flowtunnel

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/flowtunnel/config"
	"github.com/slackhq/flowtunnel/sshd"
)

type sshListNodesFlags struct {
	Json   bool
	Pretty bool
}

// sshTarget is what the console commands act on, Control in practice.
type sshTarget interface {
	ListNodes() []NodeStatus
	NodeStatus(id string) (NodeStatus, error)
	Inject(id string, payload any) error
	Reload() error
}

func wireSSHReload(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("sshd") {
			return
		}

		if c.GetBool("sshd.enabled", false) {
			sshRun, err := configSSH(l, ssh, c)
			if err != nil {
				l.WithError(err).Error("Failed to reconfigure the sshd")
				ssh.Stop()
			}
			if sshRun != nil {
				go sshRun()
			}
		} else {
			ssh.Stop()
		}
	})
}

// configSSH reads the sshd config. When the sshd is enabled the returned func runs it and blocks until it stops.
func configSSH(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) (func(), error) {
	if !c.GetBool("sshd.enabled", false) {
		ssh.Stop()
		return nil, nil
	}

	listen := c.GetString("sshd.listen", "")
	if listen == "" {
		return nil, errors.New("sshd.listen must be provided")
	}

	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("invalid sshd.listen address: %w", err)
	}
	if port == "22" {
		return nil, errors.New("sshd.listen can not use port 22")
	}

	hostKeyFile := c.GetString("sshd.host_key", "")
	if hostKeyFile == "" {
		return nil, errors.New("sshd.host_key must be provided")
	}

	hostKeyBytes, err := os.ReadFile(hostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("error while loading sshd.host_key file: %s", err)
	}

	if err := ssh.SetHostKey(hostKeyBytes); err != nil {
		return nil, fmt.Errorf("error while adding sshd.host_key: %s", err)
	}

	ssh.ClearAuthorizedKeys()
	users := c.GetMapSlice("sshd.authorized_users", nil)
	if len(users) == 0 {
		l.Info("no ssh users to authorize")
	}

	for _, u := range users {
		user, ok := u["user"].(string)
		if !ok {
			l.WithField("sshKeyConfig", u).Warn("Authorized user is missing the user field")
			continue
		}

		switch v := u["keys"].(type) {
		case string:
			if err := ssh.AddAuthorizedKey(user, v); err != nil {
				l.WithError(err).WithField("sshKeyConfig", u).WithField("sshKey", v).Warn("Failed to authorize key")
			}

		case []any:
			for _, subK := range v {
				sk, ok := subK.(string)
				if !ok {
					l.WithField("sshKeyConfig", u).WithField("sshKey", subK).Warn("Did not understand ssh key")
					continue
				}

				if err := ssh.AddAuthorizedKey(user, sk); err != nil {
					l.WithError(err).WithField("sshKey", sk).Warn("Failed to authorize key")
				}
			}

		default:
			l.WithField("sshKeyConfig", u).Warn("Authorized user is missing the keys field or was not understood")
		}
	}

	ssh.Stop()
	return func() {
		if err := ssh.Run(listen); err != nil {
			l.WithField("err", err).Warn("Failed to run the SSH server")
		}
	}, nil
}

func attachCommands(l *logrus.Logger, ssh *sshd.SSHServer, t sshTarget) {
	ssh.RegisterCommand(&sshd.Command{
		Name:             "list-nodes",
		ShortDescription: "List every flow node and the state of its tunnel",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshListNodesFlags{}
			fl.BoolVar(&s.Json, "json", false, "outputs as json with more information")
			fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshListNodes(t, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "node-status",
		ShortDescription: "Prints the status of a single node",
		Help:             "node-status <node id>",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshNodeStatus(t, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "inject",
		ShortDescription: "Sends a message to a node, `inject n1 on` opens the tunnel of node n1",
		Help:             "inject <node id> <payload>",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshInject(t, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "reload",
		ShortDescription: "Reloads configuration from disk, same as sending HUP to the process",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			if err := t.Reload(); err != nil {
				return w.WriteLine(fmt.Sprintf("Reload failed: %s", err))
			}
			return w.WriteLine("Config reloaded")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-level",
		ShortDescription: "Gets or sets the current log level",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogLevel(l, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-format",
		ShortDescription: "Gets or sets the current log format",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogFormat(l, a, w)
		},
	})
}

func sshListNodes(t sshTarget, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshListNodesFlags)
	if !ok {
		return nil
	}

	nodes := t.ListNodes()
	if fs.Json || fs.Pretty {
		js := json.NewEncoder(w.GetWriter())
		if fs.Pretty {
			js.SetIndent("", "    ")
		}
		return js.Encode(nodes)
	}

	for _, n := range nodes {
		line := fmt.Sprintf("%s (%s)", n.ID, n.Type)
		if n.State != "" {
			line += ": " + n.State
		}
		if n.URL != "" {
			line += " " + n.URL
		}
		if err := w.WriteLine(line); err != nil {
			return err
		}
	}

	return nil
}

func sshNodeStatus(t sshTarget, a []string, w sshd.StringWriter) error {
	if len(a) != 1 {
		return w.WriteLine("No node id was provided")
	}

	s, err := t.NodeStatus(a[0])
	if err != nil {
		return w.WriteLine(err.Error())
	}

	js := json.NewEncoder(w.GetWriter())
	js.SetIndent("", "    ")
	return js.Encode(s)
}

func sshInject(t sshTarget, a []string, w sshd.StringWriter) error {
	if len(a) < 2 {
		return w.WriteLine("Usage: inject <node id> <payload>")
	}

	if err := t.Inject(a[0], strings.Join(a[1:], " ")); err != nil {
		return w.WriteLine(err.Error())
	}

	return w.WriteLine(fmt.Sprintf("Injected into %s", a[0]))
}

func sshLogLevel(l *logrus.Logger, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
	}

	level, err := logrus.ParseLevel(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unknown log level %s. Possible log levels: %s", a[0], logrus.AllLevels))
	}

	l.SetLevel(level)
	return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
}

func sshLogFormat(l *logrus.Logger, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log format is: %s", logFormatName(l.Formatter)))
	}

	switch f := strings.ToLower(a[0]); f {
	case "text":
		l.Formatter = &logrus.TextFormatter{}
	case "json":
		l.Formatter = &logrus.JSONFormatter{}
	default:
		return w.WriteLine(fmt.Sprintf("Unknown log format `%s`. possible formats: %s", f, []string{"text", "json"}))
	}

	return w.WriteLine(fmt.Sprintf("Log format is: %s", logFormatName(l.Formatter)))
}

func logFormatName(f logrus.Formatter) string {
	switch f.(type) {
	case *logrus.JSONFormatter:
		return "json"
	case *logrus.TextFormatter:
		return "text"
	default:
		return fmt.Sprintf("%T", f)
	}
}
