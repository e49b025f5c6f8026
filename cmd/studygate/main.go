// Command studygate runs a self-contained walkthrough of the gateway client:
// it starts the in-process stub gateway, logs in, exercises route guards,
// forces a token refresh, and logs out. Useful as living documentation of the
// client's wiring; real applications construct the same pieces against their
// gateway's base URL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"studygate/internal/auth"
	"studygate/internal/authz"
	"studygate/internal/client"
	"studygate/internal/gatewaytest"
	"studygate/internal/platform/config"
	"studygate/internal/platform/logger"
	"studygate/internal/platform/metrics"
	"studygate/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "studygate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	gw := gatewaytest.New()
	gw.AddUser("amy@example.com", "hunter2", session.RoleStudent)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	baseURL := "http://" + ln.Addr().String()
	srv := &http.Server{Handler: gw.Handler(), ReadHeaderTimeout: 5 * time.Second}

	store := session.NewStore(session.WithLogger(log))
	refresher, err := auth.New(baseURL, store,
		auth.WithLogger(log),
		auth.WithMetrics(m),
		auth.WithExpirySkew(cfg.ExpirySkew),
		auth.WithHTTPClient(&http.Client{Timeout: cfg.RefreshTimeout}),
	)
	if err != nil {
		return err
	}
	refresher.OnSessionInvalidated(func() {
		log.Warn("session invalidated, a real UI would redirect to login here")
	})

	c, err := client.New(baseURL, store, refresher,
		client.WithLogger(log),
		client.WithMetrics(m),
		client.WithExpirySkew(cfg.ExpirySkew),
		client.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	)
	if err != nil {
		return err
	}

	evaluator, err := authz.NewEvaluator(authz.DefaultPermissions())
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		return walkthrough(ctx, log, c, refresher, evaluator, store)
	})
	return g.Wait()
}

func walkthrough(
	ctx context.Context,
	log *slog.Logger,
	c *client.Client,
	refresher *auth.Refresher,
	evaluator *authz.Evaluator,
	store *session.Store,
) error {
	sess, err := c.Login(ctx, "amy@example.com", "hunter2")
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if d := evaluator.GuardRoute(&sess, authz.PermStudyCreatePlan); !d.Allowed() {
		return fmt.Errorf("unexpected route denial: %s", d)
	}
	var plan gatewaytest.Plan
	if err := c.Post(ctx, "/study/plans", map[string]string{"title": "linear algebra"}, &plan); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	log.Info("created study plan", "id", plan.ID, "title", plan.Title)

	d := evaluator.GuardRoute(&sess, authz.PermAdminDeleteUser)
	log.Info("admin route guard for a student session", "decision", d.String())

	// Pretend the gateway just rejected the current access token; the
	// refresher rotates the pair single-flight and the store picks it up.
	if _, err := refresher.EnsureFresh(ctx, sess.AccessToken); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	rotated, _ := store.Read()
	log.Info("token pair rotated", "expires_at", rotated.ExpiresAt)

	var plans []gatewaytest.Plan
	if err := c.Get(ctx, "/study/plans", &plans); err != nil {
		return fmt.Errorf("list plans: %w", err)
	}
	log.Info("listed study plans", "count", len(plans))

	c.Logout(ctx)
	d = evaluator.GuardRoute(nil, authz.PermStudyViewPlan)
	log.Info("route guard after logout", "decision", d.String())
	return nil
}
