package app

import (
	"context"

	"unitgauge/internal/config"
	"unitgauge/internal/unitstate"
	logx "unitgauge/pkg/logx"
	"unitgauge/pkg/systemdbus"
)

// registerPlugins installs the built-in plugins on the host.
func (a *App) registerPlugins(log logx.Logger) error {
	a.monitor = unitstate.New(a.host, a.opts.Dial, log.With(logx.String("comp", "systemd")))
	return a.host.RegisterConfig(unitstate.PluginName, a.monitor.Configure)
}

// pluginValidators check a plugin block without side effects.
var pluginValidators = map[string]func(nodes []config.Node) error{
	unitstate.PluginName: func(nodes []config.Node) error {
		_, err := unitstate.ParseConfig(nodes)
		return err
	},
}

func dialSystemBus(ctx context.Context) (systemdbus.Bus, error) {
	conn, err := systemdbus.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
