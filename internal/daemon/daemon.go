// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/wiretap/internal/command"
	"firestige.xyz/wiretap/internal/config"
	"firestige.xyz/wiretap/internal/eventbus"
	logpkg "firestige.xyz/wiretap/internal/log"
	"firestige.xyz/wiretap/internal/metrics"
	"firestige.xyz/wiretap/internal/netif"
	"firestige.xyz/wiretap/internal/session"
	"firestige.xyz/wiretap/internal/sink/console"
	"firestige.xyz/wiretap/internal/sink/kafka"
	"firestige.xyz/wiretap/internal/supervisor"
)

// Version is reported by daemon_status.
var Version = "0.1.0"

// sink is an event bus observer that owns resources.
type sink interface {
	Handle(ev *eventbus.Event) error
	Close() error
}

type attachedSink struct {
	name        string
	sink        sink
	unsubscribe func()
}

// Daemon manages the wiretap daemon process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	bus           *eventbus.CaptureEventBus
	interfaces    *netif.Enumerator
	engine        *session.Engine
	sinks         []attachedSink
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if command channel disabled
	kafkaDone     chan struct{}
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	sigChan      chan os.Signal
}

// New creates a new Daemon instance. An empty configPath runs on defaults;
// empty socketPath and pidFile fall back to the control section.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func loadConfig(path string) (*config.GlobalConfig, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting wiretap daemon",
		"version", Version,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		d.removePIDFile()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Event bus and sinks
	d.bus = eventbus.NewCaptureEventBus(d.config.Events.Buffer)
	if err := d.attachSinks(); err != nil {
		d.abortStart()
		return fmt.Errorf("failed to attach sinks: %w", err)
	}

	// 5. Capture engine
	d.interfaces = netif.NewEnumerator(d.config.Netif.CacheTTL)
	sup := supervisor.New()
	d.engine = session.NewEngine(session.OptionsFromConfig(d.config), session.NewLauncher(sup), d.bus, d.interfaces)

	// 6. Command handler; daemon_shutdown triggers graceful stop
	d.cmdHandler = command.NewCommandHandler(d.engine)
	d.cmdHandler.SetVersion(Version)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	// 7. Start UDS server for CLI control
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler, d.bus)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			slog.Error("uds server failed", "error", err)
		}
	}()

	// 8. Start Kafka command consumer (if enabled)
	if d.config.Control.Kafka.Enabled {
		if err := d.startKafkaConsumer(); err != nil {
			// Non-fatal: daemon can still run with UDS-only control
			slog.Error("failed to start kafka consumer", "error", err)
		}
	}

	slog.Info("daemon started successfully")
	return nil
}

// abortStart releases what Start acquired before failing.
func (d *Daemon) abortStart() {
	d.detachSinks()
	if d.bus != nil {
		d.bus.Close()
	}
	d.stopMetrics()
	d.removePIDFile()
}

// attachSinks subscribes every enabled sink to the event bus.
func (d *Daemon) attachSinks() error {
	if d.config.Sinks.Console.Enabled {
		d.addSink(console.Name, console.NewSink(os.Stdout, d.config.Sinks.Console))
	}
	if d.config.Sinks.Kafka.Enabled {
		ks, err := kafka.NewSink(d.config.Sinks.Kafka)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		d.addSink(kafka.Name, ks)
	}
	return nil
}

func (d *Daemon) addSink(name string, s sink) {
	unsubscribe, err := d.bus.Subscribe("sink-"+name, s.Handle)
	if err != nil {
		slog.Error("failed to subscribe sink", "sink", name, "error", err)
		s.Close()
		return
	}
	d.sinks = append(d.sinks, attachedSink{name: name, sink: s, unsubscribe: unsubscribe})
	slog.Info("sink attached", "sink", name)
}

// detachSinks drains and closes sinks in reverse attach order.
func (d *Daemon) detachSinks() {
	for i := len(d.sinks) - 1; i >= 0; i-- {
		s := d.sinks[i]
		s.unsubscribe()
		if err := s.sink.Close(); err != nil {
			slog.Error("error closing sink", "sink", s.name, "error", err)
		}
	}
	d.sinks = nil
}

// Stop performs graceful shutdown of all daemon components. Safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Cancel context: UDS server, Kafka consumer and in-flight starts unwind
	d.cancel()

	// 2. Stop Kafka command consumer (no new commands)
	if d.kafkaConsumer != nil {
		slog.Info("stopping kafka command consumer")
		<-d.kafkaDone
		if err := d.kafkaConsumer.Stop(); err != nil {
			slog.Error("error stopping kafka consumer", "error", err)
		}
	}

	// 3. Stop the capture session; its final status reaches the sinks
	if d.engine != nil {
		slog.Info("stopping capture session")
		d.engine.Stop()
	}

	// 4. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		slog.Info("stopping uds server")
		d.udsServer.Stop()
	}

	// 5. Flush sinks and close the bus
	d.detachSinks()
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			slog.Error("error closing event bus", "error", err)
		}
	}

	// 6. Stop metrics server
	d.stopMetrics()

	// 7. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 8. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")

	// 9. Flush logs
	logpkg.Flush()
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level/format/outputs; the interface cache is dropped.
// Everything else is reported as requiring a restart.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := loadConfig(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	oldConfig := d.config
	d.config = newConfig
	d.mu.Unlock()

	hotReloaded := []string{}
	if !reflect.DeepEqual(oldConfig.Log, newConfig.Log) {
		if err := d.initLogging(); err != nil {
			// Non-fatal: old logging continues
			slog.Error("failed to reinitialize logging", "error", err)
		} else {
			hotReloaded = append(hotReloaded, "log")
		}
	}

	if d.interfaces != nil {
		d.interfaces.Invalidate()
		hotReloaded = append(hotReloaded, "netif")
	}

	requiresRestart := changedSections(oldConfig, newConfig)

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// changedSections lists cold configuration sections that differ.
func changedSections(oldCfg, newCfg *config.GlobalConfig) []string {
	changed := []string{}
	sections := []struct {
		name     string
		old, new any
	}{
		{"control", oldCfg.Control, newCfg.Control},
		{"capture", oldCfg.Capture, newCfg.Capture},
		{"credential", oldCfg.Credential, newCfg.Credential},
		{"supervisor", oldCfg.Supervisor, newCfg.Supervisor},
		{"parser", oldCfg.Parser, newCfg.Parser},
		{"events", oldCfg.Events, newCfg.Events},
		{"sinks", oldCfg.Sinks, newCfg.Sinks},
		{"netif", oldCfg.Netif, newCfg.Netif},
		{"metrics", oldCfg.Metrics, newCfg.Metrics},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownChan)
	})
}

// Engine returns the capture engine. Nil before Start.
func (d *Daemon) Engine() *session.Engine {
	return d.engine
}

// SocketPath returns the control socket path.
func (d *Daemon) SocketPath() string {
	return d.socketPath
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	d.mu.Lock()
	logCfg := d.config.Log
	d.mu.Unlock()

	if err := logpkg.Init(logCfg); err != nil {
		return err
	}

	slog.Debug("logging initialized",
		"level", logCfg.Level,
		"format", logCfg.Format,
	)
	return nil
}

// startKafkaConsumer starts the Kafka command consumer in background.
func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaCommandConsumer(d.config.Control.Kafka, d.cmdHandler)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	d.kafkaConsumer = consumer
	d.kafkaDone = make(chan struct{})

	go func() {
		defer close(d.kafkaDone)
		if err := consumer.Start(d.ctx); err != nil && err != context.Canceled {
			slog.Error("kafka consumer stopped with error", "error", err)
		}
	}()
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	srv := metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := srv.Start(d.ctx); err != nil {
		return err
	}
	d.metricsServer = srv

	slog.Info("metrics server started",
		"addr", srv.Addr(),
		"path", d.config.Metrics.Path,
	)
	return nil
}

func (d *Daemon) stopMetrics() {
	if d.metricsServer == nil {
		return
	}
	slog.Info("stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.metricsServer.Stop(shutdownCtx); err != nil {
		slog.Error("error stopping metrics server", "error", err)
	}
	d.metricsServer = nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
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

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
