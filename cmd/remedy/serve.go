package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kubeshield/remedy/internal/advisor"
	"github.com/kubeshield/remedy/internal/api"
	"github.com/kubeshield/remedy/internal/circuit"
	"github.com/kubeshield/remedy/internal/cluster"
	"github.com/kubeshield/remedy/internal/config"
	"github.com/kubeshield/remedy/internal/functional"
	"github.com/kubeshield/remedy/internal/incident"
	"github.com/kubeshield/remedy/internal/logging"
	"github.com/kubeshield/remedy/internal/metricsource"
	"github.com/kubeshield/remedy/internal/models"
	"github.com/kubeshield/remedy/internal/notifications"
	"github.com/kubeshield/remedy/internal/rollback"
	"github.com/kubeshield/remedy/internal/shadow"
	"github.com/kubeshield/remedy/internal/store"
	"github.com/kubeshield/remedy/internal/websocket"
)

const (
	shutdownTimeout = 30 * time.Second
	eventBacklog    = 256
	// Deleted shadow records are kept this long for operators.
	shadowRetention = 7 * 24 * time.Hour
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the safety pipeline and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("REMEDY_CONFIG"), "path to remedy.yaml")
	return cmd
}

func runServer(ctx context.Context, configPath string) error {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "remedy"})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: "remedy"})
	log.Info().Str("version", Version).Str("config", cfg.Path).Msg("Starting remedy")

	if cfg.Rollback.PrometheusURL == "" {
		return fmt.Errorf("rollback.prometheusURL is required: production changes cannot be monitored without it")
	}

	gw, err := cluster.New(cluster.Config{
		KubeconfigPath: cfg.Kube.Kubeconfig,
		KubeContext:    cfg.Kube.Context,
		UserAgent:      "remedy/" + Version,
	})
	if err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}

	storePath := cfg.Store.Path
	if storePath == "" {
		log.Warn().Msg("No store path configured, state will not survive a restart")
		storePath = ":memory:"
	}
	st, err := store.Open(storePath)
	if err != nil {
		return err
	}
	defer st.Close()

	gates := newSecurityPipeline(cfg.Security)
	tester := functional.NewTester(gw, functionalOptions(cfg.Functional))
	engine := shadow.NewEngine(gw, gates, tester, shadowOptions(cfg.Shadow))

	prom, err := metricsource.NewPrometheus(cfg.Rollback.PrometheusURL, cfg.Rollback.Query, cfg.Rollback.QueryTimeout)
	if err != nil {
		return err
	}
	monitor := rollback.NewMonitor(gw, prom, rollbackOptions(cfg.Rollback))

	breakers := gates.BreakerStatus
	var adv advisor.Advisor
	if cfg.Advisor.URL != "" {
		httpAdvisor := advisor.NewHTTPAdvisor(cfg.Advisor.URL, advisorOptions(cfg.Advisor))
		adv = httpAdvisor
		breakers = func() []circuit.Status {
			return append(gates.BreakerStatus(), httpAdvisor.Breaker().GetStatus())
		}
	} else {
		log.Warn().Msg("No advisor configured, only incidents submitted with a proposal can be remediated")
	}

	var notifier incident.Notifier = notifications.LogNotifier{}
	if cfg.Queue.EscalationWebhook != "" {
		notifier = notifications.NewWebhookNotifier(cfg.Queue.EscalationWebhook, 0)
	}

	queue := incident.NewQueue(incident.OptionsFromConfig(cfg.Queue, cfg.Shadow.NamespacePrefix), incident.Deps{
		Advisor:  adv,
		Verifier: engine,
		Watcher:  monitor,
		Applier:  gw,
		Notifier: notifier,
	})

	hub := websocket.NewHub(eventBacklog)
	wireEvents(queue, engine, st, hub)

	if err := recoverState(ctx, queue, engine, st); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.API.Listen,
		Handler: api.New(api.Config{
			Queue:    queue,
			Shadows:  engine,
			Breakers: breakers,
			Stream:   http.HandlerFunc(hub.HandleWebSocket),
			Ready:    gw.Healthy,
			Token:    cfg.API.Token,
			Version:  Version,
		}),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if cfg.API.Token == "" {
		log.Warn().Msg("No API token configured, mutating endpoints are open")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		engine.RunReaper(gctx)
		return nil
	})
	g.Go(func() error {
		return queue.Run(gctx)
	})
	g.Go(func() error {
		pruneShadows(gctx, st)
		return nil
	})
	if cfg.Path != "" {
		if err := config.Watch(gctx, cfg.Path, func(next *config.Config) {
			logging.SetLevel(next.Log.Level)
			monitor.SetOptions(rollbackOptions(next.Rollback))
			log.Info().Str("log_level", next.Log.Level).Msg("Applied reloaded configuration")
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to watch config file, changes will require restart")
		}
	}
	g.Go(func() error {
		log.Info().Str("listen", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}

// wireEvents persists and streams every pipeline change.
func wireEvents(queue *incident.Queue, engine *shadow.Engine, st *store.SQLite, hub *websocket.Hub) {
	queue.Subscribe(func(u incident.Update) {
		if u.Incident != nil {
			if err := st.SaveIncident(u.Incident); err != nil {
				log.Error().Err(err).Str("incident_id", u.Incident.ID).Msg("Failed to persist incident")
			}
		}
		switch u.Kind {
		case incident.UpdateIncident:
			hub.Broadcast("incident", u.Incident)
		case incident.UpdateVerification:
			hub.Broadcast("verification", verificationEvent{IncidentID: u.Incident.ID, Result: u.Verification})
		case incident.UpdateRollback:
			if err := st.SaveDecision(u.Decision); err != nil {
				log.Error().Err(err).Str("incident_id", u.Decision.IncidentID).Msg("Failed to persist rollback decision")
			}
			hub.Broadcast("rollback", u.Decision)
		}
	})
	engine.Subscribe(func(env *models.ShadowEnvironment) {
		if err := st.SaveShadow(env); err != nil {
			log.Error().Err(err).Str("shadow_id", env.ID).Msg("Failed to persist shadow environment")
		}
		hub.Broadcast("shadow", env)
	})
}

type verificationEvent struct {
	IncidentID string                     `json:"incidentId"`
	Result     *models.VerificationResult `json:"result"`
}

// recoverState tears down shadows left by a previous process and resumes the
// incidents it did not finish.
func recoverState(ctx context.Context, queue *incident.Queue, engine *shadow.Engine, st *store.SQLite) error {
	envs, err := st.LoadShadows()
	if err != nil {
		return fmt.Errorf("load shadows: %w", err)
	}
	if n := engine.Recover(ctx, envs); n > 0 {
		log.Info().Int("shadows", n).Msg("Tearing down shadows left by previous run")
	}

	incs, err := st.LoadIncidents(true)
	if err != nil {
		return fmt.Errorf("load incidents: %w", err)
	}
	if len(incs) > 0 {
		resumed := queue.Recover(incs)
		log.Info().Int("loaded", len(incs)).Int("resumed", resumed).Msg("Recovered incidents from store")
	}
	return nil
}

func pruneShadows(ctx context.Context, st *store.SQLite) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PruneShadows(time.Now().Add(-shadowRetention))
			if err != nil {
				log.Warn().Err(err).Msg("Failed to prune shadow records")
				continue
			}
			if n > 0 {
				log.Debug().Int64("pruned", n).Msg("Pruned deleted shadow records")
			}
		}
	}
}
