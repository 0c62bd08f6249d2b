package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	flagDBPath     string
	flagListenAddr string
	flagImportFile string
	flagUserAuth   bool
	flagReplyTo    string
	flagMaxResults int
	flagThreadMax  int

	flagUserByID        bool
	flagTimelineMax     int
	flagPaginationToken string
	flagMentionsMax     int
	flagSinceID         string
)

var rootCmd = &cobra.Command{
	Use:   "xbridge",
	Short: "Quota-aware mediator for the X API",
	Long: `xbridge keeps an OAuth2 bearer credential alive, admits outgoing calls
against per-action budgets, retries throttled calls with backoff and caches
user metrics behind a staleness window and a refresh floor.

Configuration is read from XBRIDGE_* environment variables.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP surface and background token renewal",
	RunE:  runServe,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the stored bearer credential",
}

var tokenImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Store a credential from the one-time authorization flow",
	Long: `Store a credential obtained from the OAuth2 authorization-code flow.

The file holds the token endpoint's JSON answer, for example:
  {"access_token": "...", "refresh_token": "...", "expires_in": 7200}

Examples:
  xbridge token import --file token.json
  xbridge token import --file -    # read from stdin`,
	RunE: runTokenImport,
}

var tokenStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential expiry and the last renewal attempt",
	RunE:  runTokenStatus,
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a credential renewal now",
	RunE:  runTokenRefresh,
}

var followersCmd = &cobra.Command{
	Use:   "followers <username>",
	Short: "Show cached or refreshed metrics for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runFollowers,
}

var postCmd = &cobra.Command{
	Use:   "post <text>",
	Short: "Create a post",
	Args:  cobra.ExactArgs(1),
	RunE:  runPost,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search recent posts",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var threadCmd = &cobra.Command{
	Use:   "thread <post-id>",
	Short: "Show the conversation a post belongs to, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runThread,
}

var (
	likeCmd     = newTargetCmd("like <post-id>", "Like a post", (*Service).Like)
	unlikeCmd   = newTargetCmd("unlike <post-id>", "Remove a like", (*Service).Unlike)
	repostCmd   = newTargetCmd("repost <post-id>", "Repost a post", (*Service).Repost)
	unrepostCmd = newTargetCmd("unrepost <post-id>", "Undo a repost", (*Service).Unrepost)
	followCmd   = newTargetCmd("follow <username>", "Follow a user", (*Service).FollowUser)
	unfollowCmd = newTargetCmd("unfollow <username>", "Unfollow a user", (*Service).UnfollowUser)
)

var postsCmd = &cobra.Command{
	Use:   "posts <post-id>...",
	Short: "Fetch several posts in one call",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPosts,
}

var userCmd = &cobra.Command{
	Use:   "user <username>",
	Short: "Show a user profile",
	Long: `Show a user profile by username, or by numeric id with --id.

Examples:
  xbridge user jack
  xbridge user --id 12`,
	Args: cobra.ExactArgs(1),
	RunE: runUser,
}

var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Show the authenticated user's home timeline",
	RunE:  runTimeline,
}

var mentionsCmd = &cobra.Command{
	Use:   "mentions",
	Short: "Show recent mentions of the authenticated user",
	Long: `Show recent mentions of the authenticated user.

Posts rejected by the XBRIDGE_FILTER_* mention filters are left out; the
newest_id in the answer still covers them, so pass it back as --since-id.`,
	RunE: runMentions,
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show configured admission budgets",
	RunE:  runLimits,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "SQLite database path (overrides XBRIDGE_SQLITE_PATH)")

	serveCmd.Flags().StringVar(&flagListenAddr, "addr", "", "Listen address (overrides XBRIDGE_LISTEN_ADDR)")
	tokenImportCmd.Flags().StringVarP(&flagImportFile, "file", "f", "", "JSON credential file, or - for stdin")
	_ = tokenImportCmd.MarkFlagRequired("file")
	rootCmd.PersistentFlags().BoolVar(&flagUserAuth, "user-auth", false, "Spend the user-level budget instead of the app-level one")
	postCmd.Flags().StringVar(&flagReplyTo, "reply-to", "", "Post id to reply to")
	searchCmd.Flags().IntVarP(&flagMaxResults, "max", "n", defaultMaxResults, "Maximum results (10-100)")
	threadCmd.Flags().IntVarP(&flagThreadMax, "max", "n", maxSearchResults, "Maximum replies to search for")
	userCmd.Flags().BoolVar(&flagUserByID, "id", false, "Treat the argument as a user id")
	timelineCmd.Flags().IntVarP(&flagTimelineMax, "max", "n", defaultMaxResults, "Maximum results (1-100)")
	timelineCmd.Flags().StringVar(&flagPaginationToken, "pagination-token", "", "next_token from a previous page")
	mentionsCmd.Flags().IntVarP(&flagMentionsMax, "max", "n", defaultMaxResults, "Maximum results (5-100)")
	mentionsCmd.Flags().StringVar(&flagSinceID, "since-id", "", "Only mentions newer than this post id")

	tokenCmd.AddCommand(tokenImportCmd, tokenStatusCmd, tokenRefreshCmd)
	rootCmd.AddCommand(serveCmd, tokenCmd, followersCmd, postCmd, searchCmd, threadCmd, limitsCmd)
	rootCmd.AddCommand(likeCmd, unlikeCmd, repostCmd, unrepostCmd, followCmd, unfollowCmd)
	rootCmd.AddCommand(postsCmd, userCmd, timelineCmd, mentionsCmd)
}

func loadCommandConfig() (*Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagDBPath != "" {
		cfg.SQLitePath = flagDBPath
	}
	if flagListenAddr != "" {
		cfg.ListenAddr = flagListenAddr
	}
	return cfg, nil
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadCommandConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func runServe(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		mux := http.NewServeMux()
		a.service.RegisterRoutes(mux)
		server := &http.Server{
			Addr:              a.cfg.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logInfo("service.start", "listen_addr", a.cfg.ListenAddr, "sqlite_db", a.cfg.SQLitePath)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			err := a.tokens.RunRefresher(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		err := g.Wait()
		logInfo("service.exit", "error", err)
		return err
	})
}

func runTokenImport(cmd *cobra.Command, _ []string) error {
	var (
		raw []byte
		err error
	)
	if flagImportFile == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(flagImportFile)
	}
	if err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}

	var in CredentialImport
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("parse credential file: %w", err)
	}

	return withApp(cmd, func(_ context.Context, a *app) error {
		cred, err := a.tokens.Import(in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored credential %s, expires %s\n", maskToken(cred.AccessToken), cred.ExpiresAt.Format(time.RFC3339))
		return nil
	})
}

func runTokenStatus(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(_ context.Context, a *app) error {
		status, err := a.service.statusSnapshot()
		if err != nil {
			return err
		}
		return printJSON(cmd, status)
	})
}

func runTokenRefresh(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		cred, err := a.tokens.Refresh(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Renewed credential, expires %s\n", cred.ExpiresAt.Format(time.RFC3339))
		return nil
	})
}

func runFollowers(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		metrics, err := a.service.GetUserMetrics(ctx, ScopeFor(flagUserAuth), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"username": normalizeUsername(args[0]),
			"metrics":  metrics,
		})
	})
}

func runPost(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		post, err := a.service.CreatePost(ctx, ScopeFor(flagUserAuth), CreatePostRequest{Text: args[0], ReplyTo: flagReplyTo})
		if err != nil {
			return err
		}
		return printJSON(cmd, post)
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		timeline, err := a.service.SearchPosts(ctx, ScopeFor(flagUserAuth), args[0], flagMaxResults)
		if err != nil {
			return err
		}
		return printJSON(cmd, timeline)
	})
}

func runThread(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		posts, err := a.service.ConversationThread(ctx, ScopeFor(flagUserAuth), args[0], flagThreadMax)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"results": posts,
			"meta":    map[string]any{"count": len(posts)},
		})
	})
}

// targetAction is a Service method acting on one post id or username.
type targetAction func(s *Service, ctx context.Context, scope Scope, target string) (ActionResult, error)

func newTargetCmd(use, short string, action targetAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runTargetAction(ctx, cmd, a.service, action, args[0])
			})
		},
	}
}

func runTargetAction(ctx context.Context, cmd *cobra.Command, s *Service, action targetAction, target string) error {
	result, err := action(s, ctx, ScopeFor(flagUserAuth), target)
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func runPosts(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return printPosts(ctx, cmd, a.service, args)
	})
}

func printPosts(ctx context.Context, cmd *cobra.Command, s *Service, ids []string) error {
	posts, err := s.GetPosts(ctx, ScopeFor(flagUserAuth), ids)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{
		"results": posts,
		"meta":    map[string]any{"count": len(posts)},
	})
}

func runUser(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return printUser(ctx, cmd, a.service, args[0], flagUserByID)
	})
}

func printUser(ctx context.Context, cmd *cobra.Command, s *Service, arg string, byID bool) error {
	var (
		user User
		err  error
	)
	if byID {
		user, err = s.GetUserByID(ctx, ScopeFor(flagUserAuth), arg)
	} else {
		user, err = s.GetUser(ctx, ScopeFor(flagUserAuth), arg)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd, user)
}

func runTimeline(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		timeline, err := a.service.HomeTimeline(ctx, ScopeFor(flagUserAuth), flagTimelineMax, flagPaginationToken)
		if err != nil {
			return err
		}
		return printJSON(cmd, timeline)
	})
}

func runMentions(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		timeline, err := a.service.Mentions(ctx, ScopeFor(flagUserAuth), flagMentionsMax, flagSinceID)
		if err != nil {
			return err
		}
		return printJSON(cmd, timeline)
	})
}

func runLimits(cmd *cobra.Command, _ []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tACTION\tLIMIT\tWINDOW")
	for _, b := range defaultBudgets() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", b.Scope, b.Action, b.Limit, b.Window)
	}
	return w.Flush()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
