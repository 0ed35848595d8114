// Command meshnode runs an overlay node as a daemon.
//
// Configuration comes from an optional YAML file given with --config, with
// command-line flags taking precedence:
//
//	meshnode --config meshnode.yaml --public-ipv4 203.0.113.10 \
//	    --announce 6d6573...  --metrics 127.0.0.1:9100
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"
	"gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()
	app.Name = "meshnode"
	app.Usage = "run a peer-to-peer overlay node"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "YAML configuration file"},
		cli.StringFlag{Name: "listen", Usage: "listener host"},
		cli.IntFlag{Name: "port", Value: defaultConfig().Port, Usage: "service port"},
		cli.StringFlag{Name: "public-ipv4", Usage: "public IPv4 address, enables the IPv4 realm"},
		cli.StringFlag{Name: "public-ipv6", Usage: "public IPv6 address, enables the IPv6 realm"},
		cli.BoolFlag{Name: "no-lan", Usage: "disable local network realms"},
		cli.StringFlag{Name: "bootstrap-url", Usage: "URL of a bootstrap node list"},
		cli.StringSliceFlag{Name: "bootstrap", Usage: "bootstrap node host:port (repeatable)"},
		cli.StringFlag{Name: "tor-proxy", Usage: "Tor SOCKS proxy host:port"},
		cli.StringFlag{Name: "onion", Usage: "own onion service name.onion:port, enables the Tor realm"},
		cli.StringFlag{Name: "metrics", Usage: "address to serve Prometheus metrics on"},
		cli.StringSliceFlag{Name: "announce", Usage: "hex network ID to announce (repeatable)"},
		cli.BoolFlag{Name: "relay", Usage: "register with relays for the announced networks"},
		cli.StringFlag{Name: "log-level", Value: defaultConfig().LogLevel, Usage: "log level (debug, info, warn, error)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	applyFlags(cfg, c)
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	app := newApp(cfg)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	<-app.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}
