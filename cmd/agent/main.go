package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ambu-dispatch/internal/api"
	"github.com/example/ambu-dispatch/internal/config"
	"github.com/example/ambu-dispatch/internal/driver"
	"github.com/example/ambu-dispatch/internal/eta"
	"github.com/example/ambu-dispatch/internal/httpapi"
	"github.com/example/ambu-dispatch/internal/logging"
	"github.com/example/ambu-dispatch/internal/models"
	"github.com/example/ambu-dispatch/internal/observability"
	"github.com/example/ambu-dispatch/internal/payments"
	"github.com/example/ambu-dispatch/internal/search"
	"github.com/example/ambu-dispatch/internal/session"
	"github.com/example/ambu-dispatch/internal/telemetry"
	"github.com/example/ambu-dispatch/internal/triplog"
)

func main() {
	var phone string
	flag.StringVar(&phone, "phone", os.Getenv("DRIVER_PHONE"), "driver phone number used to sign in")
	flag.Parse()

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session store: Redis-backed when configured so a restart resumes the
	// authenticated session, in-memory otherwise.
	var sess session.Store
	if cfg.RedisAddr != "" {
		rs := session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, phone)
		defer rs.Close()
		sess = rs
	} else {
		sess = session.NewMemoryStore()
	}

	client := api.NewClient(cfg.APIBaseURL, cfg.RequestTimeout, sess, logging.ForComponent(logger, "api"))

	if _, _, err := sess.Tokens(ctx); errors.Is(err, session.ErrNoSession) {
		if phone == "" {
			log.Fatal("no stored session and no -phone given")
		}
		if err := client.SignIn(ctx, phone, "driver"); err != nil {
			log.Fatalf("sign in: %v", err)
		}
		logger.Info("signed in", "phone", phone)
	}

	var directions eta.Directions
	if cfg.DirectionsEndpoint != "" {
		directions = eta.NewOSRMDirections(cfg.DirectionsEndpoint, cfg.DirectionsAPIKey)
	} else {
		logger.Info("no directions endpoint configured, using geometric fallback only")
	}
	estimator := eta.NewEstimator(directions, eta.NewCache(cfg.RouteTTL), logging.ForComponent(logger, "eta"))
	// Separate shorter-TTL cache for the available-rides view; the list churns
	// much faster than an accepted ride's route.
	listEstimator := eta.NewEstimator(directions, eta.NewCache(cfg.DirectionsTTL), logging.ForComponent(logger, "eta"))

	gate := search.NewController(search.Params{
		Active: cfg.SearchActive,
		Pause:  cfg.SearchPause,
		Max:    cfg.SearchMax,
	})

	machine := driver.NewMachine(client, estimator, gate, sess, driver.Config{
		AuthCheckDelay: cfg.AuthCheckDelay,
		RefreshDelay:   cfg.RefreshDelay,
	}, logging.ForComponent(logger, "driver"))
	defer machine.Close()

	var trips triplog.Log
	if cfg.PGDSN != "" {
		pg, err := triplog.NewPostgresLog(cfg.PGDSN)
		if err != nil {
			log.Fatalf("trip log: %v", err)
		}
		defer pg.Close()
		trips = pg
	} else {
		trips = triplog.NewMemoryLog()
	}
	machine.SetTripLog(trips)

	if sc := payments.NewStripeClient(); sc != nil {
		machine.SetFareProcessor(sc)
		logger.Info("fare settlement enabled")
	}

	var kafkaPub *telemetry.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub = telemetry.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaPub.Close()
		machine.SetLifecycleSink(kafkaPub)
	}

	var live *telemetry.LiveTrack
	if cfg.LiveTrackURL != "" {
		live = telemetry.NewLiveTrack(cfg.LiveTrackURL)
		defer live.Close()
	}

	go runPollLoop(ctx, cfg, machine, gate, kafkaPub, live, logger, sess)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(machine, trips, listEstimator, logging.ForComponent(logger, "httpapi")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("control api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control api stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runPollLoop advances the search duty cycle and issues polls while the
// controller allows them. It also ships location telemetry while online.
func runPollLoop(ctx context.Context, cfg config.AgentConfig, machine *driver.Machine, gate *search.Controller, kafkaPub *telemetry.KafkaPublisher, live *telemetry.LiveTrack, logger *slog.Logger, sess session.Store) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			gate.Advance(now)
			observability.SearchState.Set(float64(gate.State()))

			if gate.IsSearching() {
				pollCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
				if err := machine.FetchAvailableRides(pollCtx); err != nil {
					logger.Warn("poll failed", "error", err)
				}
				cancel()
			}

			snap := machine.Snapshot()
			if !snap.Online {
				continue
			}
			userID, _, _ := sess.Identity(ctx)
			update := models.LocationUpdate{DriverID: userID, Loc: snap.Location, At: now}
			if snap.Accepted != nil {
				update.RideID = snap.Accepted.ID
			}
			if kafkaPub != nil {
				if err := kafkaPub.PublishLocation(ctx, update); err != nil {
					logger.Warn("telemetry publish failed", "error", err)
				}
			}
			if live != nil && snap.Accepted != nil {
				if err := live.Send(update); err != nil {
					logger.Warn("livetrack send failed", "error", err)
				}
			}
		}
	}
}
