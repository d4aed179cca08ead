package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/irfndi/hrguard/internal/bootstrap"
	"github.com/irfndi/hrguard/internal/crypto"
	"github.com/urfave/cli/v2"
)

func migrateCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations to the configured database",
		Action: func(cCtx *cli.Context) error {
			cfg, err := e.config(cCtx)
			if err != nil {
				return err
			}
			applied, err := bootstrap.Migrate(cCtx.Context, &cfg.Database, e.logger(cCtx))
			if err != nil {
				return err
			}
			return newPrinter(cCtx).print(map[string]any{"applied": applied}, func(w io.Writer) {
				fmt.Fprintf(w, "Applied %d migrations\n", applied)
			})
		},
	}
}

func adminCommand(_ *env) *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Admin API key tooling",
		Subcommands: []*cli.Command{
			{
				Name:      "hash-key",
				Usage:     "Hash an admin API key for auth.admin_api_key_hash",
				ArgsUsage: "(reads the key from --key or the first line of stdin)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Usage: "Admin API key to hash"},
				},
				Action: adminHashKey,
			},
		},
	}
}

func adminHashKey(cCtx *cli.Context) error {
	key := cCtx.String("key")
	if key == "" {
		line, err := bufio.NewReader(cCtx.App.Reader).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read key from stdin: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return errors.New("an admin key is required via --key or stdin")
	}

	hash, err := crypto.NewKeyHasher().Hash(key)
	if err != nil {
		return err
	}
	return newPrinter(cCtx).print(map[string]any{"hash": hash}, func(w io.Writer) {
		fmt.Fprintln(w, hash)
	})
}
