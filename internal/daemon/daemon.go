// Package daemon runs a switch on a POSIX host: it builds the network
// from configuration, services it, and handles reloads and shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc"

	"firestige.xyz/satcat5/internal/config"
	"firestige.xyz/satcat5/internal/log"
	"firestige.xyz/satcat5/internal/metrics"
	"firestige.xyz/satcat5/internal/poll"
	"firestige.xyz/satcat5/internal/util"
)

// Daemon manages the switch process lifecycle.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	net           *Network
	watcher       *config.Watcher
	metricsServer *metrics.Server // nil if metrics disabled

	mu      sync.Mutex // serializes reloads
	started time.Time
	tasks   conc.WaitGroup // control channels
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan error
	exited  bool
	sigChan chan os.Signal
	stop    chan struct{}
}

// New loads the configuration. A non-empty pidFile overrides node.pid_file.
func New(configPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if pidFile == "" {
		pidFile = cfg.Node.PIDFile
	}
	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		pidFile:    pidFile,
		done:       make(chan error, 1),
		stop:       make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Network returns the running network, or nil before Start.
func (d *Daemon) Network() *Network { return d.net }

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	if err := log.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"node":   d.config.Node.Name,
		"config": d.configPath,
		"build":  util.BuildTime().Format(time.RFC3339),
	}).Info("starting satcat5 daemon")

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	n, err := Build(d.config, poll.NewClockHost())
	if err != nil {
		d.stopMetrics()
		return fmt.Errorf("failed to build network: %w", err)
	}
	d.net = n
	d.started = time.Now()
	go func() { d.done <- n.Run(d.ctx) }()

	if err := d.startControl(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start control channel: %w", err)
	}

	d.watcher, err = config.NewWatcher(d.configPath, d.configChanged, func(err error) {
		log.GetLogger().WithError(err).Warn("config change rejected")
	})
	if err != nil {
		log.GetLogger().WithError(err).Warn("config watch disabled")
	}

	log.GetLogger().WithField("ports", n.Switch().PortCount()).Info("daemon started")
	return nil
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	log.GetLogger().Info("initiating graceful shutdown")

	d.cancel()
	d.tasks.Wait()
	if d.net != nil {
		if !d.exited {
			if err := <-d.done; err != nil {
				log.GetLogger().WithError(err).Warn("network stopped with error")
			}
		}
		if err := d.net.Close(); err != nil {
			log.GetLogger().WithError(err).Warn("error closing ports")
		}
		d.net = nil
	}
	d.stopMetrics()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		log.GetLogger().WithError(err).Error("error removing PID file")
	}
	log.GetLogger().Info("daemon stopped")
	log.Flush()
}

// Run blocks until SIGTERM, SIGINT or TriggerShutdown, or until the
// network fails.
// SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil
			case syscall.SIGHUP:
				if err := d.Reload(); err != nil {
					log.GetLogger().WithError(err).Error("failed to reload config")
				}
			}
		case <-d.stop:
			log.GetLogger().Info("shutdown requested")
			d.Stop()
			return nil
		case err := <-d.done:
			d.exited = true
			log.GetLogger().WithError(err).Error("network stopped")
			d.Stop()
			return err
		}
	}
}

// TriggerShutdown makes Run stop the daemon and return.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log settings and static routes.
// Cold (requires restart): everything else.
func (d *Daemon) Reload() error {
	log.GetLogger().WithField("path", d.configPath).Info("reloading configuration")
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	return d.apply(cfg)
}

func (d *Daemon) configChanged(cfg *config.GlobalConfig, ev fsnotify.Event) {
	log.GetLogger().WithField("event", ev.Op.String()).Info("config file changed")
	if err := d.apply(cfg); err != nil {
		log.GetLogger().WithError(err).Error("failed to apply config change")
	}
}

func (d *Daemon) apply(cfg *config.GlobalConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.config
	hot := []string{}
	if !reflect.DeepEqual(cfg.Log, old.Log) {
		if err := log.Init(cfg.Log); err != nil {
			log.GetLogger().WithError(err).Error("failed to reinitialize logging")
		} else {
			hot = append(hot, "log")
		}
	}
	if d.net != nil && (!reflect.DeepEqual(cfg.IP.Routes, old.IP.Routes) || cfg.IP.Gateway != old.IP.Gateway) {
		var rerr error
		ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
		defer cancel()
		if err := d.net.Do(ctx, func() { rerr = d.net.ApplyRoutes(cfg) }); err != nil {
			return fmt.Errorf("route update: %w", err)
		}
		if rerr != nil {
			return rerr
		}
		hot = append(hot, "routes")
	}

	restart := []string{}
	cold := map[string][2]any{
		"node":      {old.Node, cfg.Node},
		"metrics":   {old.Metrics, cfg.Metrics},
		"switch":    {old.Switch, cfg.Switch},
		"ports":     {old.Ports, cfg.Ports},
		"router":    {old.Router, cfg.Router},
		"ptp":       {old.PTP, cfg.PTP},
		"telemetry": {old.Telemetry, cfg.Telemetry},
	}
	for name, pair := range cold {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			restart = append(restart, name)
		}
	}
	d.config = cfg
	log.GetLogger().WithFields(map[string]interface{}{
		"hot_reloaded":     hot,
		"requires_restart": restart,
	}).Info("configuration reloaded")
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"addr": d.config.Metrics.Listen,
		"path": d.config.Metrics.Path,
	}).Info("metrics server started")
	return nil
}

func (d *Daemon) stopMetrics() {
	if d.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.metricsServer.Stop(ctx); err != nil {
		log.GetLogger().WithError(err).Error("error stopping metrics server")
	}
	d.metricsServer = nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	log.GetLogger().WithFields(map[string]interface{}{"path": d.pidFile, "pid": pid}).Debug("PID file written")
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
