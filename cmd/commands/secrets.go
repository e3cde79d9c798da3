package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/taskdeck/internal/config"
	"github.com/dohr-michael/taskdeck/internal/secrets"
)

// NewSecretsCommand returns the secrets subcommand.
func NewSecretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage the age key and encrypted webhook URLs",
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "Create the age identity used to decrypt secrets",
				Action: runSecretsKeygen,
			},
			{
				Name:      "encrypt",
				Usage:     "Encrypt a value (read from the terminal when not given)",
				ArgsUsage: "[value]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "Store the encrypted value in .env under this key instead of printing it",
					},
				},
				Action: runSecretsEncrypt,
			},
		},
	}
}

func runSecretsKeygen(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := secrets.GenerateIdentity(cfg.Notify.AgeKey); err != nil {
		return err
	}
	id, err := secrets.LoadIdentity(cfg.Notify.AgeKey)
	if err != nil {
		return err
	}
	fmt.Printf("Key:        %s\n", cfg.Notify.AgeKey)
	fmt.Printf("Public key: %s\n", id.Recipient().String())
	return nil
}

func runSecretsEncrypt(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id, err := secrets.LoadIdentity(cfg.Notify.AgeKey)
	if err != nil {
		return fmt.Errorf("%w (run `taskdeck secrets keygen` first)", err)
	}

	value := cmd.Args().First()
	if value == "" {
		value, err = readSecret()
		if err != nil {
			return err
		}
	}
	if value == "" {
		return fmt.Errorf("empty value")
	}

	blob, err := secrets.Encrypt(value, id.Recipient())
	if err != nil {
		return err
	}

	key := cmd.String("env")
	if key == "" {
		fmt.Println(blob)
		return nil
	}
	if err := secrets.SetEntry(config.DotenvPath(), key, blob); err != nil {
		return err
	}
	fmt.Printf("Stored %s in %s. Reference it as ${{ .Env.%s }} and send SIGHUP to reload.\n",
		key, config.DotenvPath(), key)
	return nil
}

// readSecret reads a value without echo on a terminal, or one line from a pipe.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Value: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read value: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read value: %w", err)
	}
	return strings.TrimSpace(line), nil
}
