// raven reports messages to a Sentry collector and manages the durable
// queue of events that could not be delivered yet.
//
// Usage:
//
//	raven [flags] message <text>   capture a message
//	raven [flags] flush            deliver every pending event
//	raven [flags] queue            list pending events
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	raven "github.com/your-org/sentry-raven-go"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	dsn        string
	queuePath  string
	level      string
	logLevel   string
	timeout    time.Duration
	tags       []string
}

func run(args []string) error {
	var f flags

	flagSet := pflag.NewFlagSet("raven", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "YAML file with a "+raven.PluginName+" section")
	flagSet.StringVar(&f.dsn, "dsn", os.Getenv("SENTRY_DSN"), "collector DSN (default $SENTRY_DSN)")
	flagSet.StringVar(&f.queuePath, "queue-path", "", "directory holding the durable queue")
	flagSet.StringVarP(&f.level, "level", "l", string(raven.LevelInfo), "level of captured messages")
	flagSet.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.DurationVar(&f.timeout, "timeout", 30*time.Second, "how long to wait for delivery")
	flagSet.StringSliceVarP(&f.tags, "tag", "t", nil, "tag key=value added to captured messages (repeatable)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return errors.New("missing command")
	}

	cfg, err := buildConfig(&f)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client, err := raven.NewFromConfig(*cfg, raven.WithLogger(logger), raven.WithoutPanicHandler())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	defer func() { _ = client.Close(ctx) }()

	switch rest[0] {
	case "message":
		return captureMessage(ctx, client, &f, rest[1:])
	case "flush":
		return flush(ctx, client)
	case "queue":
		for _, request := range client.Pending() {
			fmt.Println(request.UUID)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", rest[0])
}

func buildConfig(f *flags) (*raven.Config, error) {
	cfg := &raven.Config{Enabled: true}

	if f.configPath != "" {
		file, err := loadFileConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		loaded, err := raven.LoadConfig(file)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.dsn != "" {
		cfg.DSN = f.dsn
	}
	if f.queuePath != "" {
		cfg.Queue.Path = f.queuePath
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if cfg.DSN == "" {
		return nil, errors.New("no DSN configured, use --dsn, $SENTRY_DSN or --config")
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func captureMessage(ctx context.Context, client *raven.Client, f *flags, args []string) error {
	if len(args) == 0 {
		return errors.New("message: missing text")
	}
	level, ok := raven.ParseLevel(f.level)
	if !ok {
		return fmt.Errorf("message: unknown level %q", f.level)
	}

	builder := raven.NewEventBuilder().
		SetMessage(strings.Join(args, " ")).
		SetLevel(level).
		SetLogger("raven-cli")
	for _, tag := range f.tags {
		key, value, found := strings.Cut(tag, "=")
		if !found {
			return fmt.Errorf("message: tag %q is not key=value", tag)
		}
		builder.PutTag(key, value)
	}

	id := client.CaptureEvent(builder)
	if id == "" {
		return errors.New("message: event could not be queued")
	}
	fmt.Println(id)

	return flush(ctx, client)
}

func flush(ctx context.Context, client *raven.Client) error {
	if err := client.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if pending := len(client.Pending()); pending > 0 {
		fmt.Fprintf(os.Stderr, "%d event(s) still pending\n", pending)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `raven reports events to a Sentry collector.

Usage:
  raven [flags] message <text>
  raven [flags] flush
  raven [flags] queue

Flags:
%s`, flagSet.FlagUsages())
}
