package flowtunnel

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/flowtunnel/config"
	"github.com/slackhq/flowtunnel/sshd"
	"github.com/slackhq/flowtunnel/tunnel"
	"github.com/slackhq/flowtunnel/tunnel/ngrok"
	"github.com/slackhq/flowtunnel/tunnel/stub"
	"github.com/slackhq/flowtunnel/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main builds everything described by c. provider may be nil, in which case `tunnel.provider` picks one.
// With configTest set the merged config is printed and nothing is started, the caller should not call Start.
func Main(c *config.C, configTest bool, buildVersion string, l *logrus.Logger, provider tunnel.Provider) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	if configTest {
		b, err := yaml.Marshal(redactCredentials(c.Settings))
		if err != nil {
			return nil, err
		}

		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	fixedProvider := provider != nil
	if !fixedProvider {
		provider, err = newProviderFromConfig(l, c)
		if err != nil {
			return nil, util.ContextualizeIfNeeded("Failed to configure the tunnel provider", err)
		}
	}

	flow, err := newFlowFromConfig(l, c, provider)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the flow", err)
	}

	ssh, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"))
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Error while creating SSH server", err)
	}
	wireSSHReload(l, ssh, c)
	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			l.WithError(err).Warn("Failed to configure sshd, ssh debugging will not be available")
			sshStart = nil
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	ctrl := &Control{
		l:             l,
		c:             c,
		ctx:           ctx,
		cancel:        cancel,
		ssh:           ssh,
		sshStart:      sshStart,
		statsStart:    statsStart,
		fixedProvider: fixedProvider,
		provider:      provider,
		flow:          flow,
	}

	attachCommands(l, ssh, ctrl)
	c.RegisterReloadCallback(ctrl.reloadFlow)

	return ctrl, nil
}

func newProviderFromConfig(l *logrus.Logger, c *config.C) (tunnel.Provider, error) {
	switch p := c.GetString("tunnel.provider", "ngrok"); p {
	case "ngrok":
		return ngrok.NewProvider(l, c.GetString("tunnel.ngrok.domain_suffix", ngrok.DefaultDomainSuffix)), nil
	case "stub":
		l.Warn("Using the stub tunnel provider, no traffic will be forwarded")
		return stub.NewProvider(c.GetStringSlice("tunnel.stub.invalid_tokens", nil)), nil
	default:
		return nil, fmt.Errorf("unknown tunnel.provider `%s`, possible values: %s", p, []string{"ngrok", "stub"})
	}
}

func newFlowFromConfig(l *logrus.Logger, c *config.C, provider tunnel.Provider) (*Flow, error) {
	f := NewFlow(l, provider)
	if err := f.Load(c); err != nil {
		return nil, err
	}
	return f, nil
}

// redactCredentials returns a copy of settings with every credential field masked
func redactCredentials(settings m) m {
	out := make(m, len(settings))
	for k, v := range settings {
		out[k] = v
	}

	creds, ok := settings["credentials"].(m)
	if !ok {
		return out
	}

	rc := make(m, len(creds))
	for id, v := range creds {
		fields, ok := v.(m)
		if !ok {
			rc[id] = "[redacted]"
			continue
		}

		rf := make(m, len(fields))
		for fk := range fields {
			rf[fk] = "[redacted]"
		}
		rc[id] = rf
	}
	out["credentials"] = rc
	return out
}
