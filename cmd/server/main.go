// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "lab-bench/docs"
	"lab-bench/internal/channel"
	"lab-bench/internal/config"
	"lab-bench/internal/database"
	"lab-bench/internal/discovery"
	"lab-bench/internal/discovery/serial"
	"lab-bench/internal/discovery/usb"
	"lab-bench/internal/events"
	"lab-bench/internal/handler"
	"lab-bench/internal/inventory"
	"lab-bench/internal/matcher"
	"lab-bench/internal/model"
	"lab-bench/internal/protocol"
	"lab-bench/internal/repository"
	"lab-bench/internal/routes"
	"lab-bench/internal/service"
	"lab-bench/internal/utils"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB
	bus      *events.Bus
	worker   *inventory.Worker

	// Repositories
	deviceRepo repository.DeviceRepository
	runRepo    repository.MatchRunRepository

	// Services
	inventoryService *service.InventoryService
	matchService     *service.MatchService

	// Operator websocket
	connections *handler.ConnectionManager
	selections  *handler.SelectionHub
	wsHandler   *handler.WebSocketHandler
}

// @title Lab Bench API
// @version 1.0.0
// @description Inventory and matching service for serial and USB bench instruments

// @contact.name Lab Bench Maintainers

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8085
// @BasePath /
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "lab-bench")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg.App.Environment)

	app := &Application{
		config: cfg,
		logger: logger,
		bus:    events.NewBus(logger),
	}

	if err := app.initializeDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.initializeRepositories()

	if err := app.initializeInventory(); err != nil {
		return nil, fmt.Errorf("failed to initialize inventory: %w", err)
	}

	app.initializeServices()
	app.initializeServer()

	return app, nil
}

// initializeDatabase connects to PostgreSQL and runs migrations when enabled
func (app *Application) initializeDatabase() error {
	if !app.config.Database.Enabled {
		app.logger.Info("Database disabled, device history is kept in memory")
		return nil
	}

	db, err := database.NewConnection(app.config, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	if app.config.Database.RunMigrations {
		if err := database.NewMigrator(db, app.logger).Up(); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	app.logger.Info("Database initialized successfully")
	return nil
}

// initializeRepositories creates repository instances
func (app *Application) initializeRepositories() {
	if app.database == nil {
		app.deviceRepo = repository.NewMemoryDeviceRepository()
		app.runRepo = repository.NewMemoryMatchRunRepository()
	} else {
		app.deviceRepo = repository.NewDeviceRepository(app.database, app.logger)
		app.runRepo = repository.NewMatchRunRepository(app.database, app.logger)
	}

	app.logger.Info("Repositories initialized successfully", zap.Bool("persistent", app.database != nil))
}

// initializeInventory builds the port scanners, probes and the inventory worker
func (app *Application) initializeInventory() error {
	deviceCfg := &app.config.Device

	settings, err := config.LoadProtocolSettings(deviceCfg.ProtocolSettingsFile)
	if err != nil {
		return fmt.Errorf("failed to load protocol settings: %w", err)
	}

	scanners := discovery.NewScannerManager(app.logger)
	scanners.RegisterScanner(serial.NewScanner(app.logger, deviceCfg.Serial.PortPatterns))
	scanners.RegisterScanner(usb.NewScanner(app.logger, deviceCfg.USB.Enabled))

	registry := protocol.DefaultRegistry(deviceCfg, app.logger)

	app.worker = inventory.NewWorker(inventory.Options{
		Config:   deviceCfg,
		Scanner:  scanners,
		Registry: registry,
		Settings: settings,
		Openers: map[model.TransportType]channel.Opener{
			model.TransportSerial: channel.OpenSerial,
			model.TransportUSB:    channel.NewUSBOpener(deviceCfg.USB.BulkTransferSize),
		},
		Observer: events.NewChannelObserver(app.bus),
		Events:   app.bus,
		Logger:   app.logger,
	})

	app.logger.Info("Inventory initialized successfully",
		zap.Strings("scanners", scanners.GetAvailableScanners()),
		zap.Int("protocols", len(registry.Types())),
	)
	return nil
}

// initializeServices creates service instances
func (app *Application) initializeServices() {
	app.connections = handler.NewConnectionManager()
	app.selections = handler.NewSelectionHub(app.connections, app.config.Device.SelectionTimeout, app.logger)

	app.inventoryService = service.NewInventoryService(
		app.worker,
		app.deviceRepo,
		app.bus,
		app.config.Device.ScanInterval,
		app.logger,
	)

	app.matchService = service.NewMatchService(
		matcher.New(app.worker, app.selections, app.logger),
		app.worker,
		app.worker,
		app.runRepo,
		app.bus,
		app.logger,
	)

	app.wsHandler = handler.NewWebSocketHandler(
		app.connections,
		app.selections,
		app.bus,
		app.config.Security.AllowedOrigins,
		app.logger,
	)

	app.logger.Info("Services initialized successfully")
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.inventoryService,
		app.matchService,
		app.wsHandler,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
}

// Start runs the background goroutines and serves until a shutdown signal
func (app *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go app.bus.Start(ctx)
	if app.config.Logging.Traffic {
		go events.NewTrafficLogger(app.bus, app.logger).Run(ctx)
	}
	go app.worker.Run(ctx)
	go app.wsHandler.Start(ctx)
	app.inventoryService.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	return app.waitForShutdown(cancel, serverErr)
}

// waitForShutdown blocks until a signal or server failure, then stops
// the HTTP server before the worker so in-flight calls can finish
func (app *Application) waitForShutdown(cancel context.CancelFunc, serverErr <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		app.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case runErr = <-serverErr:
		app.logger.Error("HTTP server failed", zap.Error(runErr))
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("Server forced to shutdown", zap.Error(err))
	}

	cancel()
	select {
	case <-app.worker.Stopped():
	case <-ctx.Done():
		app.logger.Warn("Inventory worker did not stop in time")
	}

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Failed to close database connection", zap.Error(err))
		}
	}

	utils.NewServiceLogger(app.logger, "lab-bench").LogServiceStop("shutdown")
	_ = utils.CloseLogger(app.logger)
	return runErr
}
