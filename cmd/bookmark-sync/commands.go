package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/bookmark-sync/internal/auth"
	apperrors "github.com/alexjbarnes/bookmark-sync/internal/errors"
	"github.com/alexjbarnes/bookmark-sync/internal/mcpserver"
	"github.com/alexjbarnes/bookmark-sync/internal/server"
	"github.com/alexjbarnes/bookmark-sync/internal/state"
	"github.com/alexjbarnes/bookmark-sync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon until interrupted. It activates when credentials are
stored, watches the local bookmarks, listens on the push channel and,
when ENABLE_MCP is set, serves the MCP control endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.runDaemon(ctx)
		},
	}
}

func (a *app) runDaemon(ctx context.Context) error {
	e, err := a.newEngine()
	if err != nil {
		return err
	}

	if err := a.seedToken(); err != nil {
		return err
	}

	// The login and logout MCP tools write through a.state, which is the
	// only way a running daemon takes in new credentials: the state
	// database is locked against other processes while it runs.
	a.state.OnCredentialsChange(func(state.Credentials) {
		e.controller.LoginChanged()
	})

	a.logger.Info("bookmark-sync starting",
		slog.String("version", Version),
		slog.String("store", a.cfg.StoreKind),
		slog.String("sync_root", a.cfg.SyncRootTitle),
		slog.Bool("mcp", a.cfg.EnableMCP),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.controller.Run(gctx)
	})

	if e.chromium != nil {
		g.Go(func() error {
			return e.chromium.Watch(gctx)
		})
	}

	if a.cfg.EnableMCP {
		g.Go(func() error {
			return a.runMCP(gctx, e.controller)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.logger.Info("bookmark-sync stopped")

	return nil
}

// runMCP serves the MCP control endpoint until ctx is cancelled.
func (a *app) runMCP(ctx context.Context, e mcpserver.Engine) error {
	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "bookmark-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, e, a.account())

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Verifier:   auth.NewKeyVerifier(a.cfg.MCPAPIKeyHash),
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
	})

	return server.ListenAndServe(ctx, a.cfg.MCPListenAddr, mux, mcpLogger)
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newCommandApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.state.Credentials().LoggedIn() {
				return fmt.Errorf("%w: run bookmark-sync login first", apperrors.ErrNotLoggedIn)
			}

			e, err := a.newEngine()
			if err != nil {
				return err
			}

			if _, err := a.client.Verify(cmd.Context()); err != nil {
				return err
			}

			stats, err := e.reconciler.FullSync(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d bookmarks: %d created, %d updated, %d unchanged, %d failed (%s)\n",
				stats.Total, stats.Created, stats.Updated, stats.Skipped, stats.Failed, stats.Duration.Round(time.Millisecond))

			return nil
		},
	}
}

func newLoginCmd() *cobra.Command {
	var email, serverURL string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the bookmark server and store the token",
		Long: `Log in with email and password. The password is read from stdin.
The token and server URL are stored in the state database. While the
daemon runs it holds the database, so use its MCP login tool instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newCommandApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			in := bufio.NewReader(cmd.InOrStdin())

			if email == "" {
				if email, err = prompt(cmd, in, "Email: "); err != nil {
					return err
				}
			}

			password, err := prompt(cmd, in, "Password: ")
			if err != nil {
				return err
			}

			user, err := a.account().Login(cmd.Context(), serverURL, email, password)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", user.Email)

			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (prompted when empty)")
	cmd.Flags().StringVar(&serverURL, "server", "", "bookmark server URL (defaults to the stored URL or SERVER_URL)")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newCommandApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.account().Logout(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")

			return nil
		},
	}
}

// statusReport is the status command output.
type statusReport struct {
	LoggedIn     bool              `yaml:"logged_in"`
	ServerURL    string            `yaml:"server_url,omitempty"`
	User         string            `yaml:"user,omitempty"`
	SyncRoot     string            `yaml:"sync_root"`
	RootFolderID string            `yaml:"root_folder_id,omitempty"`
	LastSync     *state.SyncStatus `yaml:"last_sync,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show login state and the last full sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newCommandApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			creds := a.state.Credentials()

			report := statusReport{
				LoggedIn:     creds.LoggedIn(),
				ServerURL:    a.client.ServerURL(),
				SyncRoot:     a.cfg.SyncRootTitle,
				RootFolderID: a.state.RootFolderID(),
			}

			report.LastSync, err = a.state.SyncStatus()
			if err != nil {
				return err
			}

			if verify && report.LoggedIn {
				user, err := a.client.Verify(cmd.Context())
				if err != nil {
					return err
				}

				report.User = user.Email
			}

			return writeYAML(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "check the stored token with the server")

	return cmd
}

// dumpNode is the YAML form of a bookmark tree node.
type dumpNode struct {
	Title    string      `yaml:"title"`
	URL      string      `yaml:"url,omitempty"`
	Children []*dumpNode `yaml:"children,omitempty"`
}

func toDumpNode(n *store.Node) *dumpNode {
	d := &dumpNode{Title: n.Title, URL: n.URL}
	for _, c := range n.Children {
		d.Children = append(d.Children, toDumpNode(c))
	}

	return d
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the local sync root folder as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newCommandApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.newEngine()
			if err != nil {
				return err
			}

			tree, err := e.reconciler.RootTree(cmd.Context())
			if err != nil {
				return err
			}

			if tree == nil {
				return fmt.Errorf("no folder titled %q: %w", a.cfg.SyncRootTitle, apperrors.ErrNotFound)
			}

			return writeYAML(cmd.OutOrStdout(), toDumpNode(tree))
		},
	}
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key",
		Short: "Hash an MCP API key for MCP_API_KEY_HASH",
		Long:  `Read an API key from stdin and print its bcrypt hash.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := prompt(cmd, bufio.NewReader(cmd.InOrStdin()), "Enter API key: ")
			if err != nil {
				return err
			}

			hash, err := auth.HashKey(key)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}
}

// newCommandApp builds the app for a one-shot command. Logs go to
// stderr so command output stays clean.
func newCommandApp(cmd *cobra.Command) (*app, error) {
	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	if err := a.seedToken(); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// prompt writes label to stderr and reads one trimmed line.
func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)

	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading input: %w", err)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("no input")
	}

	return line, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}

	return enc.Close()
}
