package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/serpent"

	"github.com/coder/liveness/activity"
	"github.com/coder/liveness/changefeed"
	"github.com/coder/liveness/client"
	"github.com/coder/liveness/identity"
	"github.com/coder/liveness/presence"
	"github.com/coder/liveness/presence/pubsubtransport"
	"github.com/coder/liveness/pubsub"
	"github.com/coder/liveness/session"
)

type simulateFlags struct {
	clients       int64
	channel       string
	idleTimeout   time.Duration
	checkInterval time.Duration
	heartbeat     time.Duration
	expireAfter   time.Duration
	duration      time.Duration
	postgresURL   string
	redisURL      string
	httpAddress   string
}

func (f *simulateFlags) attach(opts *serpent.OptionSet) {
	*opts = append(*opts,
		serpent.Option{
			Flag:        "clients",
			Env:         "LIVENESS_CLIENTS",
			Default:     "3",
			Description: "Number of simulated clients, each signed in as its own user.",
			Value:       serpent.Int64Of(&f.clients),
		},
		serpent.Option{
			Flag:        "channel",
			Env:         "LIVENESS_CHANNEL",
			Default:     presence.DefaultChannelName,
			Description: "Presence channel the clients join.",
			Value:       serpent.StringOf(&f.channel),
		},
		serpent.Option{
			Flag:        "idle-timeout",
			Env:         "LIVENESS_IDLE_TIMEOUT",
			Default:     activity.DefaultIdleTimeout.String(),
			Description: "How long a client may go without input before it is idle.",
			Value:       serpent.DurationOf(&f.idleTimeout),
		},
		serpent.Option{
			Flag:        "check-interval",
			Env:         "LIVENESS_CHECK_INTERVAL",
			Default:     session.DefaultCheckInterval.String(),
			Description: "How often each client checks its session for expiry.",
			Value:       serpent.DurationOf(&f.checkInterval),
		},
		serpent.Option{
			Flag:        "heartbeat-interval",
			Env:         "LIVENESS_HEARTBEAT_INTERVAL",
			Default:     pubsubtransport.DefaultHeartbeatInterval.String(),
			Description: "How often clients redeclare their presence. Silent clients expire after three intervals.",
			Value:       serpent.DurationOf(&f.heartbeat),
		},
		serpent.Option{
			Flag:        "expire-after",
			Env:         "LIVENESS_EXPIRE_AFTER",
			Default:     "30s",
			Description: "Account lifetime given to the user whose session expires without notice.",
			Value:       serpent.DurationOf(&f.expireAfter),
		},
		serpent.Option{
			Flag:        "duration",
			Env:         "LIVENESS_DURATION",
			Default:     "0s",
			Description: "Keep the remaining clients running and print roster changes for this long. 0 exits after the scenario.",
			Value:       serpent.DurationOf(&f.duration),
		},
		serpent.Option{
			Flag:        "postgres-url",
			Env:         "LIVENESS_POSTGRES_URL",
			Description: "Share presence and account changes over PostgreSQL LISTEN/NOTIFY instead of in memory.",
			Value:       serpent.StringOf(&f.postgresURL),
		},
		serpent.Option{
			Flag:        "redis-url",
			Env:         "LIVENESS_REDIS_URL",
			Description: "Share presence and account changes over Redis PUBLISH/SUBSCRIBE instead of in memory.",
			Value:       serpent.StringOf(&f.redisURL),
		},
		serpent.Option{
			Flag:        "http-address",
			Env:         "LIVENESS_HTTP_ADDRESS",
			Description: "Address on which to serve Prometheus metrics at /metrics and the observed roster at /roster. Empty disables the server.",
			Value:       serpent.StringOf(&f.httpAddress),
		},
	)
}

func (r *RootCmd) simulate() *serpent.Command {
	var flags simulateFlags
	cmd := &serpent.Command{
		Use:   "simulate",
		Short: "Run clients through idleness, deactivation and expiry",
		Long: "Signs in one client per user, hides one of them, deactivates " +
			"another and lets a third expire without notice, printing the " +
			"shared roster after every step.",
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()
			logger := r.logger(inv)
			if flags.clients < 2 {
				return xerrors.New("--clients must be at least 2")
			}
			if flags.postgresURL != "" && flags.redisURL != "" {
				return xerrors.New("--postgres-url and --redis-url are mutually exclusive")
			}
			if flags.idleTimeout <= 0 || flags.checkInterval <= 0 || flags.heartbeat <= 0 {
				return xerrors.New("--idle-timeout, --check-interval and --heartbeat-interval must be positive")
			}

			ps, closePubsub, err := flags.pubsub(ctx, logger)
			if err != nil {
				return err
			}
			defer closePubsub()

			reg := prometheus.NewRegistry()
			presenceMetrics, err := presence.NewMetrics(reg)
			if err != nil {
				return xerrors.Errorf("register presence metrics: %w", err)
			}
			sessionMetrics, err := session.NewMetrics(reg)
			if err != nil {
				return xerrors.Errorf("register session metrics: %w", err)
			}
			sim := &simulation{
				flags:           flags,
				logger:          logger,
				out:             inv.Stdout,
				ps:              ps,
				registry:        reg,
				presenceMetrics: presenceMetrics,
				sessionMetrics:  sessionMetrics,
			}
			return sim.run(ctx)
		},
	}
	flags.attach(&cmd.Options)
	return cmd
}

func (f *simulateFlags) pubsub(ctx context.Context, logger slog.Logger) (pubsub.Pubsub, func(), error) {
	if f.redisURL != "" {
		ps, err := pubsub.NewRedis(ctx, logger, f.redisURL)
		if err != nil {
			return nil, nil, xerrors.Errorf("connect pubsub: %w", err)
		}
		return ps, func() { _ = ps.Close() }, nil
	}
	if f.postgresURL == "" {
		ps := pubsub.NewInMemory()
		return ps, func() { _ = ps.Close() }, nil
	}
	db, err := sql.Open("postgres", f.postgresURL)
	if err != nil {
		return nil, nil, xerrors.Errorf("open database: %w", err)
	}
	ps, err := pubsub.New(ctx, logger, db, f.postgresURL)
	if err != nil {
		_ = db.Close()
		return nil, nil, xerrors.Errorf("connect pubsub: %w", err)
	}
	return ps, func() {
		_ = ps.Close()
		_ = db.Close()
	}, nil
}

type simulation struct {
	flags           simulateFlags
	logger          slog.Logger
	out             io.Writer
	ps              pubsub.Pubsub
	registry        *prometheus.Registry
	presenceMetrics *presence.Metrics
	sessionMetrics  *session.Metrics

	idp        *identity.Service
	users      []identity.User
	clients    []*client.Client
	terminated []chan session.Reason
}

func (s *simulation) run(ctx context.Context) error {
	feed := changefeed.New(s.logger, s.ps)
	s.idp = identity.NewService(identity.Options{
		Logger:    s.logger,
		Publisher: feed,
	})
	transport := pubsubtransport.New(s.ps, pubsubtransport.Options{
		Logger:            s.logger,
		HeartbeatInterval: s.flags.heartbeat,
		TTL:               3 * s.flags.heartbeat,
	})

	n := int(s.flags.clients)
	for i := range n {
		user, err := s.idp.Register(ctx, identity.RegisterParams{
			Username:    fmt.Sprintf("user-%d", i+1),
			DisplayName: fmt.Sprintf("User %d", i+1),
			Password:    password(i),
		})
		if err != nil {
			return xerrors.Errorf("register user: %w", err)
		}
		terminated := make(chan session.Reason, 1)
		c := client.New(client.Options{
			Logger:        s.logger.Named(user.Username),
			Identity:      s.idp.NewClient(),
			Feed:          feed,
			Transport:     transport,
			ChannelName:   s.flags.channel,
			IdleTimeout:   s.flags.idleTimeout,
			CheckInterval: s.flags.checkInterval,
			OnTerminate: func(r session.Reason) {
				select {
				case terminated <- r:
				default:
				}
			},
			PresenceMetrics: s.presenceMetrics,
			SessionMetrics:  s.sessionMetrics,
		})
		defer c.Close()
		s.users = append(s.users, user)
		s.clients = append(s.clients, c)
		s.terminated = append(s.terminated, terminated)
	}

	// Keep everyone busy so only the clients we hide go idle.
	activityCtx, stopActivity := context.WithCancel(ctx)
	defer stopActivity()
	busy := quartz.NewReal().TickerFunc(activityCtx, s.flags.idleTimeout/3, func() error {
		for _, c := range s.clients {
			c.Signal(activity.SignalPointerMove)
		}
		return nil
	}, "simulate", "activity")
	defer func() {
		stopActivity()
		_ = busy.Wait()
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	for i, c := range s.clients {
		eg.Go(func() error {
			_, err := c.Login(egCtx, session.Credentials{
				Username: s.users[i].Username,
				Password: password(i),
			})
			if err != nil {
				return xerrors.Errorf("log in %s: %w", s.users[i].Username, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	observer := s.clients[0]
	if s.flags.httpAddress != "" {
		closeSrv := ServeHandler(ctx, s.logger, s.router(observer), s.flags.httpAddress, "http")
		defer closeSrv()
	}
	if err := s.expectRoster(ctx, observer, "all clients signed in", n); err != nil {
		return err
	}

	hidden := s.clients[1]
	hidden.SetHidden(true)
	if err := s.expectRoster(ctx, observer, s.users[1].Username+" hid their window", n-1); err != nil {
		return err
	}
	hidden.SetHidden(false)
	if err := s.expectRoster(ctx, observer, s.users[1].Username+" came back", n); err != nil {
		return err
	}

	remaining := n
	victim := n - 1
	if err := s.idp.Deactivate(ctx, s.users[victim].ID); err != nil {
		return xerrors.Errorf("deactivate %s: %w", s.users[victim].Username, err)
	}
	if err := s.expectTermination(ctx, victim); err != nil {
		return err
	}
	remaining--
	if err := s.expectRoster(ctx, observer, s.users[victim].Username+" was deactivated", remaining); err != nil {
		return err
	}

	if n >= 3 {
		expiring := n - 2
		if err := s.expire(ctx, expiring); err != nil {
			return err
		}
		remaining--
		if err := s.expectRoster(ctx, observer, s.users[expiring].Username+" expired", remaining); err != nil {
			return err
		}
	}

	if s.flags.duration <= 0 {
		return nil
	}
	return s.watch(ctx, observer)
}

// expire gives a user an account expiry without announcing it. The client
// picks up the expiry when it signs in again and only its periodic check
// notices when the account lapses.
func (s *simulation) expire(ctx context.Context, i int) error {
	user := s.users[i]
	expiresAt := time.Now().Add(s.flags.expireAfter)
	if err := s.idp.SetExpirySilently(ctx, user.ID, expiresAt); err != nil {
		return xerrors.Errorf("set expiry for %s: %w", user.Username, err)
	}
	sess, err := s.clients[i].Login(ctx, session.Credentials{Username: user.Username, Password: password(i)})
	if err != nil {
		return xerrors.Errorf("log in %s again: %w", user.Username, err)
	}
	_, _ = fmt.Fprintf(s.out, "%s signed in again, account expires %s\n",
		user.Username, humanize.Time(sess.ExpiresAt))
	return s.expectTermination(ctx, i)
}

func (s *simulation) stepTimeout() time.Duration {
	return 2*s.flags.checkInterval + 3*s.flags.heartbeat + s.flags.expireAfter + 10*time.Second
}

func (s *simulation) expectTermination(ctx context.Context, i int) error {
	ctx, cancel := context.WithTimeout(ctx, s.stepTimeout())
	defer cancel()
	select {
	case <-ctx.Done():
		return xerrors.Errorf("wait for %s to be signed out: %w", s.users[i].Username, ctx.Err())
	case reason := <-s.terminated[i]:
		_, _ = fmt.Fprintf(s.out, "%s was signed out (%s): %s\n",
			s.users[i].Username, reason, reason.Message())
		return nil
	}
}

func (s *simulation) expectRoster(ctx context.Context, c *client.Client, step string, want int) error {
	ctx, cancel := context.WithTimeout(ctx, s.stepTimeout())
	defer cancel()

	changed := make(chan struct{}, 1)
	unsubscribe := c.SubscribeRoster(func([]presence.Member) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		roster := c.Roster()
		if len(roster) == want {
			printRoster(s.out, step, roster)
			return nil
		}
		select {
		case <-ctx.Done():
			return xerrors.Errorf("wait for %d active users after %q, have %d: %w", want, step, len(roster), ctx.Err())
		case <-changed:
		}
	}
}

func (s *simulation) watch(ctx context.Context, c *client.Client) error {
	ctx, cancel := context.WithTimeout(ctx, s.flags.duration)
	defer cancel()
	unsubscribe := c.SubscribeRoster(func(roster []presence.Member) {
		printRoster(s.out, "roster changed", roster)
	})
	defer unsubscribe()
	<-ctx.Done()
	return nil
}

func printRoster(w io.Writer, step string, roster []presence.Member) {
	names := make([]string, 0, len(roster))
	for _, m := range roster {
		names = append(names, m.DisplayName)
	}
	// Roster order follows connection keys, which are random.
	slices.Sort(names)
	_, _ = fmt.Fprintf(w, "%s: %d active [%s]\n", step, len(roster), strings.Join(names, ", "))
}

func password(i int) string {
	return fmt.Sprintf("password-%d", i+1)
}
