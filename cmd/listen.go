package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/rubiojr/chirper/pkg/api"
	"github.com/rubiojr/chirper/pkg/client"
	"github.com/rubiojr/chirper/pkg/config"
	"github.com/rubiojr/chirper/pkg/core"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	alertTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	alertStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	announcementStyle = alertStyle.
				BorderForeground(lipgloss.Color("214"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("32"))
)

// ListenCommand creates the listen command
func ListenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Connect to the realtime server and print notifications as they arrive",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "token",
				Usage: "Session token (defaults to client.token)",
			},
			&cli.StringSliceFlag{
				Name:  "transport",
				Usage: "Transports to try, in order (defaults to realtime.transports)",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Do not print alerts, only the unread counter on exit",
			},
			&cli.BoolFlag{
				Name:  "fetch",
				Usage: "Load the stored notifications before listening",
				Value: true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return listen(ctx, c.String("config"), listenOptions{
				token:      c.String("token"),
				transports: c.StringSlice("transport"),
				quiet:      c.Bool("quiet"),
				fetch:      c.Bool("fetch"),
			})
		},
	}
}

type listenOptions struct {
	token      string
	transports []string
	quiet      bool
	fetch      bool
}

// terminalAlerter renders notifications as boxes on the terminal.
type terminalAlerter struct {
	out     io.Writer
	enabled bool
	title   cases.Caser
}

func newTerminalAlerter(out io.Writer, enabled bool) *terminalAlerter {
	return &terminalAlerter{out: out, enabled: enabled, title: cases.Title(language.English)}
}

func (a *terminalAlerter) Permission() bool {
	return a.enabled
}

func (a *terminalAlerter) Alert(n core.Notification) {
	fmt.Fprintln(a.out, a.render(n))
}

func (a *terminalAlerter) render(n core.Notification) string {
	style := alertStyle
	if n.Type == core.NotificationAnnouncement {
		style = announcementStyle
	}
	body := alertTitleStyle.Render(a.title.String(string(n.Type))) + "\n" +
		client.PlainText(n.Content) + "\n" +
		metaStyle.Render(formatTime(n.CreatedAt))
	return style.Render(body)
}

func listen(ctx context.Context, configPath string, opts listenOptions) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := clientToken(opts.token, cfg)
	if err != nil {
		return err
	}
	transports := opts.transports
	if len(transports) == 0 {
		transports = cfg.Realtime.Transports
	}
	dialer, err := client.NewDialer(cfg.Client.ServerURL, "", transports)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := client.NewManager(client.Options{
		Dialer:            dialer,
		MaxConnectErrors:  cfg.Client.MaxConnectErrors,
		ReconnectDelay:    cfg.Client.ReconnectDelay.Duration,
		ReconnectDelayMax: cfg.Client.ReconnectDelayMax.Duration,
		ServerDropDelay:   cfg.Client.ServerDropDelay.Duration,
		HandshakeTimeout:  cfg.Client.HandshakeTimeout.Duration,
		Alerter:           newTerminalAlerter(os.Stdout, !opts.quiet),
	})
	manager.OnStateChange(func(_, to client.State) {
		fmt.Println(stateStyle.Render("● " + to.String()))
	})

	if opts.fetch {
		var stored api.NotificationsResponse
		if err := apiRequest(ctx, cfg.Client.ServerURL, http.MethodGet, "/api/notifications", token, nil, &stored); err != nil {
			return fmt.Errorf("fetching notifications: %w", err)
		}
		manager.Notifications().Replace(stored.Notifications)
		fmt.Printf("%d notifications, %d unread\n", len(stored.Notifications), stored.UnreadCount)
	}

	if err := manager.Connect(ctx, token); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		manager.Disconnect()
	case <-manager.Done():
	}

	fmt.Printf("%d unread notifications\n", manager.Notifications().UnreadCount())
	if manager.State() == client.Suppressed {
		return errors.New("gave up reconnecting, run listen again to retry")
	}
	return nil
}
