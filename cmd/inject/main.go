// Command inject watches for a target process and loads a shared library
// into it once it appears.
//
// Usage:
//
//	inject -target LockDownBrowser -dll C:\hooks\hook.dll
//	inject -config inject.yaml
//	inject -pid 1234 -dll C:\hooks\hook.dll
//	inject -list
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"gitlab.com/tozd/go/errors"

	"github.com/AsherAuerbach/UpadtedMethod"
	"github.com/AsherAuerbach/UpadtedMethod/monitor"
)

// stdLogger adapts the standard library logger to the injector's structured
// Logger interface, rendering fields as key=value pairs.
type stdLogger struct {
	logger *log.Logger
	debug  bool
}

func (s *stdLogger) emit(level, msg string, fields []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s", level, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	s.logger.Print(b.String())
}

func (s *stdLogger) Debug(msg string, fields ...any) {
	if s.debug {
		s.emit("DEBUG", msg, fields)
	}
}

func (s *stdLogger) Info(msg string, fields ...any)  { s.emit("INFO", msg, fields) }
func (s *stdLogger) Warn(msg string, fields ...any)  { s.emit("WARN", msg, fields) }
func (s *stdLogger) Error(msg string, fields ...any) { s.emit("ERROR", msg, fields) }

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		target     = flag.String("target", "", "target process name (substring match)")
		library    = flag.String("dll", "", "path of the shared library to inject")
		pid        = flag.Int("pid", 0, "inject into this PID instead of monitoring")
		interval   = flag.Duration("interval", 0, "delay between process list polls")
		timeout    = flag.Duration("timeout", 0, "bound on remote execution (0 waits forever)")
		terminate  = flag.Bool("terminate", false, "terminate existing target instances first")
		list       = flag.Bool("list", false, "list running processes and exit")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger := &stdLogger{
		logger: log.New(os.Stderr, "", log.LstdFlags),
		debug:  *debug,
	}

	if *list {
		if errE := listProcesses(); errE != nil {
			logger.Error("list processes", "error", errE)
			os.Exit(1)
		}
		return
	}

	config := &monitor.Config{ //nolint:exhaustruct
		Target:            *target,
		Library:           *library,
		Interval:          monitor.Duration(*interval),
		WaitTimeout:       monitor.Duration(*timeout),
		TerminateExisting: *terminate,
	}
	if *configPath != "" {
		loaded, errE := monitor.LoadConfig(*configPath)
		if errE != nil {
			logger.Error("load config", "path", *configPath, "error", errE)
			os.Exit(1)
		}
		config = overlay(loaded, config)
	}

	if *pid == 0 && config.Target == "" {
		logger.Error("a -target name, -pid, or -config is required")
		flag.Usage()
		os.Exit(2)
	}
	if config.Library == "" {
		logger.Error("a -dll path is required")
		flag.Usage()
		os.Exit(2)
	}

	if errE := run(config, *pid, logger); errE != nil {
		logger.Error("injection failed", "error", errE)
		os.Exit(1)
	}
}

// overlay applies explicit command line flags on top of a loaded config
// file. Flags win where both are set.
func overlay(base, flags *monitor.Config) *monitor.Config {
	config := *base
	if flags.Target != "" {
		config.Target = flags.Target
	}
	if flags.Library != "" {
		config.Library = flags.Library
	}
	if flags.Interval != 0 {
		config.Interval = flags.Interval
	}
	if flags.WaitTimeout != 0 {
		config.WaitTimeout = flags.WaitTimeout
	}
	if flags.TerminateExisting {
		config.TerminateExisting = true
	}
	return &config
}

func run(config *monitor.Config, pid int, logger injector.Logger) errors.E {
	api, errE := newSystemAPI()
	if errE != nil {
		return errE
	}

	inj := injector.New(api)
	inj.Logger = logger
	inj.WaitTimeout = config.WaitTimeout.Std()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if pid == 0 {
		lister, errE := newLister()
		if errE != nil {
			return errE
		}

		if config.TerminateExisting {
			terminator, errE := newTerminator()
			if errE != nil {
				return errE
			}
			count, errE := monitor.TerminateExisting(lister, terminator, logger, config.Target)
			if errE != nil {
				return errE
			}
			if count > 0 {
				// Give terminated instances a moment to fully exit.
				time.Sleep(2 * time.Second)
			}
		}

		logger.Info("monitoring for target process", "target", config.Target)
		process, errE := mon(lister, logger, config).Watch(ctx, config.Target)
		if errE != nil {
			return errE
		}
		pid = process.PID
	}

	errE = inj.Attach(pid)
	if errE != nil {
		return errE
	}
	defer func() {
		errE2 := inj.Cleanup()
		if errE2 != nil {
			logger.Warn("cleanup failed", "error", errE2)
		}
	}()

	base, errE := inj.InjectSharedLibrary(config.Library)
	if errE != nil {
		return errE
	}

	fmt.Printf("injected %s into PID %d at base %#x\n", config.Library, pid, base)
	return nil
}

func mon(lister monitor.Lister, logger injector.Logger, config *monitor.Config) *monitor.Monitor {
	return &monitor.Monitor{
		Lister:   lister,
		Logger:   logger,
		Interval: config.Interval.Std(),
	}
}

func listProcesses() errors.E {
	lister, errE := newLister()
	if errE != nil {
		return errE
	}
	processes, errE := lister.List()
	if errE != nil {
		return errE
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"PID", "Name"})
	for _, p := range processes {
		t.AppendRow(table.Row{p.PID, p.Name})
	}
	t.Render()

	return nil
}
