package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/config"
	"github.com/rubiojr/chirper/pkg/storage"
	"github.com/urfave/cli/v3"
)

// TokenCommand creates the token command
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Issue a session token for an existing user",
		ArgsUsage: "<username>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return errors.New("expected exactly one username")
			}
			token, err := issueToken(ctx, c.String("config"), c.Args().First())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func issueToken(ctx context.Context, configPath, username string) (string, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("auth.jwt_secret is not set, run 'chirper init' first")
	}

	store, err := storage.Open(ctx, cfg.DBPath())
	if err != nil {
		return "", fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	user, err := store.UserByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("user %q does not exist", username)
	}
	if err != nil {
		return "", err
	}

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration)
	if err != nil {
		return "", err
	}
	return issuer.Issue(auth.Identity{UserID: user.ID, Username: user.Username})
}
