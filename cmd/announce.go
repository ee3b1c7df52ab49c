package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rubiojr/chirper/pkg/api"
	"github.com/rubiojr/chirper/pkg/config"
	"github.com/rubiojr/chirper/pkg/core"
	"github.com/urfave/cli/v3"
)

// AnnounceCommand creates the announce command
func AnnounceCommand() *cli.Command {
	return &cli.Command{
		Name:      "announce",
		Usage:     "Broadcast an announcement to every connected user (admins only)",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "token",
				Usage: "Session token of an admin user (defaults to client.token)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			message := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if message == "" {
				return errors.New("announcement message is required")
			}
			return announce(ctx, c.String("config"), c.String("token"), message)
		},
	}
}

func announce(ctx context.Context, configPath, tokenFlag, message string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := clientToken(tokenFlag, cfg)
	if err != nil {
		return err
	}

	var sent core.Notification
	if err := apiRequest(ctx, cfg.Client.ServerURL, http.MethodPost, "/api/announcements", token,
		api.AnnouncementRequest{Content: message}, &sent); err != nil {
		return err
	}
	fmt.Printf("Announcement broadcast at %s\n", sent.CreatedAt.Local().Format("15:04:05"))
	return nil
}
