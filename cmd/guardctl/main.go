// guardctl operates the OTP and session guards directly against the
// configured store, for support staff and scripts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/irfndi/hrguard/internal/bootstrap"
	"github.com/irfndi/hrguard/internal/config"
	"github.com/irfndi/hrguard/internal/logging"
	"github.com/urfave/cli/v2"
)

var version = "dev"

// env carries what the commands need from outside: where output goes, how
// configuration is loaded and extra bootstrap options for tests.
type env struct {
	stdout     io.Writer
	stderr     io.Writer
	stdin      io.Reader
	loadConfig func() (*config.Config, error)
	options    []bootstrap.Option
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := newApp(&env{
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		stdin:      os.Stdin,
		loadConfig: config.Load,
	})
	if err := app.RunContext(ctx, os.Args); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		code := 1
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		os.Exit(code)
	}
}

func newApp(e *env) *cli.App {
	return &cli.App{
		Name:      "guardctl",
		Usage:     "Inspect and operate the hrguard OTP and session guards",
		Version:   version,
		Writer:    e.stdout,
		ErrWriter: e.stderr,
		Reader:    e.stdin,
		// Exit codes are handled in main so tests can run commands in-process.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output format: text, json or yaml",
				Value:   formatText,
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Override store.backend (memory, sql or redis)",
			},
			// -v belongs to the built-in --version flag.
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log at debug level to stderr",
			},
		},
		Before: func(cCtx *cli.Context) error {
			switch cCtx.String("output") {
			case formatText, formatJSON, formatYAML:
				return nil
			default:
				return fmt.Errorf("unknown output format %q (expected text, json or yaml)", cCtx.String("output"))
			}
		},
		Commands: []*cli.Command{
			otpCommand(e),
			sessionCommand(e),
			eventsCommand(e),
			migrateCommand(e),
			adminCommand(e),
		},
	}
}

// config loads configuration and applies the global flag overrides.
func (e *env) config(cCtx *cli.Context) (*config.Config, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if backend := strings.ToLower(strings.TrimSpace(cCtx.String("store"))); backend != "" {
		cfg.Store.Backend = backend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (e *env) logger(cCtx *cli.Context) *logging.StandardLogger {
	level := "warn"
	if cCtx.Bool("verbose") {
		level = "debug"
	}
	return logging.NewCLILogger(level, e.stderr)
}

// open builds the guards for one command invocation.
func (e *env) open(cCtx *cli.Context) (*bootstrap.App, error) {
	cfg, err := e.config(cCtx)
	if err != nil {
		return nil, err
	}
	opts := append([]bootstrap.Option{}, e.options...)
	if bootstrap.AutoMigrate(cfg) {
		opts = append(opts, bootstrap.WithMigrations())
	}
	return bootstrap.New(cCtx.Context, cfg, e.logger(cCtx), opts...)
}

// withGuards runs fn against a freshly opened App and closes it afterwards.
func (e *env) withGuards(fn func(cCtx *cli.Context, app *bootstrap.App, out printer) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		app, err := e.open(cCtx)
		if err != nil {
			return err
		}
		defer app.Close()
		return fn(cCtx, app, newPrinter(cCtx))
	}
}
