package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"palaver/internal/config"
	"palaver/internal/filestore"
	"palaver/internal/gateway"
	"palaver/internal/identity"
	"palaver/internal/models"
	"palaver/internal/session"
	"palaver/internal/store"
)

func run(ctx context.Context) error {
	mintToken := flag.String("mint-token", "", "User ID to mint an access token for (prints the token and exits)")
	serve := flag.Bool("serve", false, "Run the HTTP gateway alongside the local client")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if *mintToken != "" {
		return mint(cfg, *mintToken)
	}

	st, err := store.NewBolt(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	provider, verifier, err := buildIdentity(ctx, cfg)
	if err != nil {
		return err
	}
	user, err := provider.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if err := st.UpsertUser(ctx, user); err != nil {
		return err
	}

	files, err := filestore.NewLocal(cfg.UploadsPath)
	if err != nil {
		return err
	}

	tracker := session.NewTracker(st, user.ID, cfg.OnlineThreshold)
	channels := session.NewChannels(st, tracker, cfg.HeartbeatInterval, 64)
	sess := session.NewSession(st, channels, tracker, user, cfg.DedupWindow)
	defer sess.Close()

	sweeper := session.NewSweeper(st, cfg.SweepInterval, cfg.OnlineThreshold)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sweeper.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	notifier := gateway.NewNotifier(st, cfg.OnlineThreshold, cfg.PushContact, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)
	if notifier.Enabled() {
		g.Go(func() error {
			if err := notifier.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if *serve {
		if verifier == nil {
			return errors.New("the gateway requires AUTH_SECRET")
		}
		server := gateway.NewServer(st, verifier, files, notifier, cfg.ListenAddr)
		g.Go(server.Start)
		g.Go(func() error {
			<-gCtx.Done()
			slog.Info("shutting down gateway")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return repl(gCtx, sess)
	})

	return g.Wait()
}

// buildIdentity picks the identity source: a signed token when AUTH_SECRET is
// configured, a static local user otherwise.
func buildIdentity(ctx context.Context, cfg *config.Config) (identity.Provider, *identity.Verifier, error) {
	if cfg.AuthSecret == "" {
		userID := os.Getenv("PALAVER_USER")
		if userID == "" {
			userID = "local"
		}
		name := os.Getenv("PALAVER_NAME")
		if name == "" {
			name = userID
		}
		return identity.Static{User: models.User{ID: userID, DisplayName: name}}, nil, nil
	}

	verifier, err := identity.NewVerifier(ctx, cfg.AuthSecret, time.Minute)
	if err != nil {
		return nil, nil, err
	}
	token := os.Getenv("PALAVER_TOKEN")
	if token == "" {
		return nil, nil, errors.New("AUTH_SECRET is set but PALAVER_TOKEN is not")
	}
	return identity.NewTokenProvider(verifier, token), verifier, nil
}

func mint(cfg *config.Config, userID string) error {
	if cfg.AuthSecret == "" {
		return errors.New("AUTH_SECRET is required to mint tokens")
	}
	name := os.Getenv("PALAVER_NAME")
	if name == "" {
		name = userID
	}
	token, err := identity.SignToken(cfg.AuthSecret, models.User{ID: userID, DisplayName: name}, 30*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
