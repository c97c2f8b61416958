package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"observatory/pkg/alpaca"
	"observatory/pkg/config"
	"observatory/pkg/device"
	"observatory/pkg/drivers/simulator"
	"observatory/pkg/drivers/zro"
	"observatory/pkg/focus"
	"observatory/pkg/store"
	"observatory/pkg/telemetry"
	"observatory/templates"
)

const version = "1.0"

func setupLogging(c *cli.Context, cfg config.LoggingConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %v", cfg.Level, err)
	}
	if c.Bool("debug") {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

type reconnecter interface {
	Reconnect() error
}

func reconnectOpts(driver any, interval time.Duration) []device.Option {
	if r, ok := driver.(reconnecter); ok {
		return []device.Option{device.WithReconnect(r.Reconnect, interval)}
	}
	return nil
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.Bool("no-continuous") {
		cfg.Session.Continuous = false
	}
	if err := setupLogging(c, cfg.Logging); err != nil {
		return err
	}

	log.Infof("%s %s", c.App.Name, version)

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	if err := os.MkdirAll(cfg.Images.DataDirectory, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}

	db, err := store.Open(cfg.Storage.Path, log.StandardLogger())
	if err != nil {
		return err
	}
	defer db.Close()

	var mqttClient mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = telemetry.Dial(cfg.MQTT, cfg.MQTT.ClientID)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)
		log.Infof("Connected to MQTT broker %s", cfg.MQTT.Host)
	}

	if !c.Bool("simulate") && cfg.Dome.Driver != "zro" {
		log.Warn("No hardware drivers configured, using simulators")
	}

	interval := cfg.Focus.CrashRetryInterval.Std()

	if pos, err := db.LastGoodPosition(cfg.Session.Filter); err == nil {
		log.Infof("Starting from last good focus %d (%s)", pos.Position, pos.Time.Format(time.RFC3339))
		cfg.Simulator.StartPosition = pos.Position
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	optics := simulator.NewOptics(cfg.Simulator)
	camDrv := simulator.NewCamera(optics, log.StandardLogger())
	focDrv := simulator.NewFocuser(optics, log.StandardLogger())
	telDrv := simulator.NewTelescope(log.StandardLogger())

	var domeDrv device.DomeDriver = simulator.NewDome(cfg.Dome, log.StandardLogger())
	if cfg.Dome.Driver == "zro" && !c.Bool("simulate") {
		if mqttClient == nil {
			return errors.New("the ZRO dome driver needs mqtt.enabled")
		}
		z := zro.New(mqttClient, cfg.Dome, log.StandardLogger())
		if err := z.Start(); err != nil {
			return fmt.Errorf("failed to start ZRO dome: %v", err)
		}
		defer z.Stop()
		domeDrv = z
	}

	s := &session{
		cfg:    cfg,
		logger: log.WithField("component", "session"),
		policy: device.Policy{
			MaxRetries:    cfg.Focus.CrashRetries,
			RetryInterval: interval,
			Logger:        log.WithField("component", "recovery"),
		},
		camera:    device.NewCamera("Camera", camDrv, log.StandardLogger(), reconnectOpts(camDrv, interval)...),
		focuser:   device.NewFocuser("Focuser", focDrv, log.StandardLogger(), reconnectOpts(focDrv, interval)...),
		telescope: device.NewTelescope("Telescope", telDrv, log.StandardLogger(), reconnectOpts(telDrv, interval)...),
		dome:      device.NewDome("Dome", domeDrv, log.StandardLogger(), reconnectOpts(domeDrv, interval)...),
	}

	opts := []focus.Option{focus.WithObserver(db), focus.WithPlot(tmpl), focus.WithPolicy(s.policy)}
	var pub *telemetry.Publisher
	if mqttClient != nil {
		pub = telemetry.NewPublisher(mqttClient, cfg.MQTT, log.StandardLogger())
		opts = append(opts, focus.WithObserver(pub))
	}
	if cfg.InfluxDB.Enabled {
		influx, err := telemetry.ConnectInflux(cfg.InfluxDB, log.StandardLogger())
		if err != nil {
			return err
		}
		defer influx.Close()
		opts = append(opts, focus.WithObserver(influx))
		s.filters = append(s.filters, influx)
	}
	s.focus = focus.NewController(s.camera, s.focuser, optics, cfg.Focus, log.StandardLogger(), opts...)

	s.images = func(dir string) (focus.ImageLocator, func(), error) {
		if !cfg.Images.Watch {
			return focus.DirScanner{Dir: dir}, func() {}, nil
		}
		w, err := focus.WatchImages(dir, log.StandardLogger())
		if err != nil {
			return nil, nil, err
		}
		return w, func() { w.Close() }, nil
	}

	s.start()
	defer s.stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the session finishing ends the servers too
	g, gctx := errgroup.WithContext(ctx)
	sctx, done := context.WithCancel(gctx)

	if cfg.Server.Enabled {
		server := alpaca.NewServer(alpaca.ServerDescription{
			Name:                cfg.Server.Name,
			Manufacturer:        "Observatory",
			ManufacturerVersion: version,
			Location:            cfg.Server.Location,
		}, []alpaca.Device{s.camera, s.focuser, s.telescope, s.dome}, db, s.focus, tmpl, log.StandardLogger())

		g.Go(func() error {
			return server.ListenAndServe(sctx, cfg.Server.Port)
		})
		if cfg.Server.Discovery {
			dr := alpaca.NewDiscoveryResponder("0.0.0.0", alpaca.DiscoveryPort, cfg.Server.Port, log.StandardLogger())
			g.Go(func() error {
				return dr.Run(sctx)
			})
		}
	}

	if pub != nil {
		g.Go(func() error {
			return pub.ReportDevices(sctx, 10*time.Second, func() []device.State {
				return []device.State{s.camera.State(), s.focuser.State(), s.telescope.State(), s.dome.State()}
			})
		})
	}

	g.Go(func() error {
		defer done()
		return s.run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Session finished")
	return nil
}

func main() {
	app := cli.App{
		Name:  "observatory",
		Usage: "Run an observing session with autofocus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Session configuration file",
				EnvVars: []string{"OBSERVATORY_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port of the status API",
				Value:   8090,
				EnvVars: []string{"ALPACA_PORT"},
			},
			&cli.BoolFlag{
				Name:  "simulate",
				Usage: "Use simulated drivers for every device",
			},
			&cli.BoolFlag{
				Name:  "no-continuous",
				Usage: "Disable continuous focusing during science frames",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
