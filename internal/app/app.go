// Package app initializes and runs the danki server.
// It configures logging, telemetry, storage, authentication, the HTTP router
// and the optional gRPC server, and handles graceful shutdown.
package app

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/patric-chuzhbe/danki/internal/auth"
	"github.com/patric-chuzhbe/danki/internal/collectionsremover"
	"github.com/patric-chuzhbe/danki/internal/config"
	"github.com/patric-chuzhbe/danki/internal/db/jsondb"
	"github.com/patric-chuzhbe/danki/internal/db/memorystorage"
	"github.com/patric-chuzhbe/danki/internal/db/postgresdb"
	"github.com/patric-chuzhbe/danki/internal/grpcserver"
	"github.com/patric-chuzhbe/danki/internal/ipchecker"
	"github.com/patric-chuzhbe/danki/internal/logger"
	"github.com/patric-chuzhbe/danki/internal/models"
	"github.com/patric-chuzhbe/danki/internal/observe"
	"github.com/patric-chuzhbe/danki/internal/router"
	"github.com/patric-chuzhbe/danki/internal/service"
	"github.com/patric-chuzhbe/danki/internal/user"
)

// Version is reported as the service.version resource attribute.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

type transactioner interface {
	BeginTransaction(ctx context.Context) (*sql.Tx, error)

	RollbackTransaction(transaction *sql.Tx) error

	CommitTransaction(transaction *sql.Tx) error
}

type userKeeper interface {
	CreateUser(ctx context.Context, usr *user.User, transaction *sql.Tx) (string, error)
	GetUserByID(ctx context.Context, userID string, transaction *sql.Tx) (*user.User, error)
	GetUserByEmail(ctx context.Context, email string, transaction *sql.Tx) (*user.User, error)
}

type collectionsKeeper interface {
	CreateCollection(ctx context.Context, collection *models.CardCollection, transaction *sql.Tx) (string, error)

	GetCollectionByID(ctx context.Context, collectionID string, transaction *sql.Tx) (*models.CardCollection, error)

	UpdateCollection(ctx context.Context, collection *models.CardCollection, transaction *sql.Tx) error

	GetUserCollections(
		ctx context.Context,
		ownerID string,
		page models.CollectionsPage,
	) ([]models.CardCollection, error)

	RemoveUsersCollections(ctx context.Context, usersCollections map[string][]string) error
}

type statsKeeper interface {
	GetNumberOfUsers(ctx context.Context) (int64, error)
	GetNumberOfCollections(ctx context.Context) (int64, error)
}

type storage interface {
	transactioner
	userKeeper
	collectionsKeeper
	statsKeeper
	Ping(ctx context.Context) error
	Close() error
}

// App owns the configuration, the storage, the background collections
// remover and the transports of the service.
type App struct {
	cfg         *config.Config
	db          storage
	remover     *collectionsremover.CollectionsRemover
	telemetry   *observe.Telemetry
	auth        *auth.Auth
	svc         *service.Service
	httpHandler http.Handler
}

// New initializes a new instance of App by:
// - loading configuration
// - initializing logger and telemetry
// - selecting and setting up storage
// - setting up the collections remover and the service layer
// - setting up the router and middleware
func New(ctx context.Context, configOptions ...config.InitOption) (*App, error) {
	var err error
	app := &App{}

	app.cfg, err = config.New(configOptions...)
	if err != nil {
		return nil, err
	}

	err = logger.Init(app.cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	app.telemetry, err = observe.New(ctx, observe.Config{
		ServiceName:     "danki",
		Version:         Version,
		MetricsExporter: app.cfg.MetricsExporter,
		TracesExporter:  app.cfg.TracesExporter,
	})
	if err != nil {
		return nil, err
	}

	app.db, err = getStorageByType(ctx, app.cfg)
	if err != nil {
		return nil, errors.Join(err, app.telemetry.Shutdown(ctx))
	}

	signingKey, err := base64.URLEncoding.DecodeString(app.cfg.JWTSigningSecretKey)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("in internal/app/app.go/New(): error while `base64.URLEncoding.DecodeString()` calling: %w", err),
			app.closeResources(ctx),
		)
	}
	app.auth = auth.New(signingKey, app.cfg.JWTIssuer, app.cfg.JWTAudience, app.cfg.TokenTTL)

	checker, err := ipchecker.New(
		app.cfg.TrustedSubnet,
		ipchecker.WithProxyHeaders(app.cfg.TrustProxyHeaders),
	)
	if err != nil {
		return nil, errors.Join(err, app.closeResources(ctx))
	}

	app.remover = collectionsremover.New(
		app.db,
		app.cfg.ChannelCapacity,
		app.cfg.DelayBetweenQueueFetches,
	)

	app.svc = service.New(app.db, app.remover, app.auth)

	app.httpHandler = router.New(
		app.svc,
		app.auth,
		checker,
		router.WithTelemetry(app.telemetry),
	)

	return app, nil
}

// Handler returns the HTTP handler of the service.
func (a *App) Handler() http.Handler {
	return a.httpHandler
}

// Run serves HTTP, and gRPC when an address is configured, until ctx is
// cancelled or SIGINT/SIGTERM arrives, then shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	removerCtx, stopRemover := context.WithCancel(context.Background())
	defer stopRemover()
	a.remover.Run(removerCtx)
	a.remover.ListenErrors(func(err error) {
		if errors.Is(err, collectionsremover.ErrBatchDropped) {
			logger.Log.Errorw("scheduled collection deletions were lost", zap.Error(err))
			return
		}
		logger.Log.Debugw("collections remover will retry", zap.Error(err))
	})

	server := &http.Server{
		Addr:              a.cfg.RunAddr,
		Handler:           a.httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcServer *grpc.Server
	var grpcListener net.Listener
	if a.cfg.GRPCRunAddr != "" {
		var err error
		grpcServer, grpcListener, err = grpcserver.NewGRPCServer(
			a.cfg.GRPCRunAddr,
			grpcserver.NewDankiHandler(a.svc),
			a.auth,
		)
		if err != nil {
			stopRemover()
			<-a.remover.Done()
			return errors.Join(err, a.closeResources(context.Background()))
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Log.Infoln("server running", "RunAddr", a.cfg.RunAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if grpcServer != nil {
		group.Go(func() error {
			logger.Log.Infoln("gRPC server running", "GRPCRunAddr", a.cfg.GRPCRunAddr)
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Log.Infoln("Received shutdown signal. Flushing pending deletions and exiting...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}

		stopRemover()
		select {
		case <-a.remover.Done():
		case <-shutdownCtx.Done():
			errs = append(errs, errors.New("collections remover did not finish in time"))
		}

		errs = append(errs, a.closeResources(shutdownCtx))

		return errors.Join(errs...)
	})

	return group.Wait()
}

func (a *App) closeResources(ctx context.Context) error {
	var errs []error
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close error: %w", err))
	}

	return errors.Join(errs...)
}

// Close finalizes resources used by App such as logging.
func (a *App) Close() {
	if err := logger.Sync(); err != nil {
		fmt.Println("Logger sync error:", err)
	}
}

func getAvailableStorageType(cfg *config.Config) int {
	if cfg.DatabaseDSN != "" {
		return models.StorageTypePostgresql
	}

	if cfg.DBFileName != "" {
		return models.StorageTypeFile
	}

	return models.StorageTypeMemory
}

func getStorageByType(ctx context.Context, cfg *config.Config) (storage, error) {
	switch getAvailableStorageType(cfg) {
	case models.StorageTypeUnknown:
		return nil, errors.New("unknown storage type")

	case models.StorageTypePostgresql:
		return postgresdb.New(
			ctx,
			cfg.DatabaseDSN,
			cfg.DBConnectionTimeout,
		)

	case models.StorageTypeFile:
		return jsondb.New(cfg.DBFileName)
	}

	return memorystorage.New()
}
