package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hb9tf/whitespace/aggregate"
	"github.com/hb9tf/whitespace/config"
	"github.com/hb9tf/whitespace/configure"
	"github.com/hb9tf/whitespace/export"
	"github.com/hb9tf/whitespace/filter"
	"github.com/hb9tf/whitespace/ingest"
	"github.com/hb9tf/whitespace/metrics"
	"github.com/hb9tf/whitespace/sdr"
)

var (
	configFile = flag.String("config", "", "Path of the YAML configuration file. Defaults apply when empty.")
	listen     = flag.String("listen", "", "UDP address to receive scan reports on, overrides ingest.listen.")
	httpListen = flag.String("httpListen", "", "HTTP API address, overrides http.listen.")
	storeType  = flag.String("store", "", "Store to keep aggregates in (one of: memory, sqlite, mysql, postgres), overrides store.driver.")
)

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	cfg, err := loadConfig()
	if err != nil {
		glog.Exitf("invalid configuration: %s", err)
	}

	if err := run(cfg); err != nil {
		glog.Flush()
		glog.Exit(err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, err
		}
	}
	if *listen != "" {
		cfg.Ingest.Listen = *listen
	}
	if *httpListen != "" {
		cfg.HTTP.Listen = *httpListen
	}
	if *storeType != "" {
		cfg.Store.Driver = strings.ToLower(*storeType)
	}
	return cfg, cfg.Validate()
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New(prometheus.DefaultRegisterer)

	store, reports, err := openStore(cfg)
	if err != nil {
		return err
	}
	if cfg.AMQP.URL != "" {
		pub, err := export.DialPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, store)
		if err != nil {
			store.Close()
			return err
		}
		glog.Infof("publishing record updates to AMQP exchange %q as %s", cfg.AMQP.Exchange, pub.Instance)
		store = pub
	}

	events := make(chan sdr.ScanResult, cfg.Ingest.EventQueueSize)
	srv, err := ingest.Listen(ingest.Options{
		Addr:             cfg.Ingest.Listen,
		Version:          cfg.Version(),
		SilenceTimeout:   cfg.Ingest.SilenceTimeout,
		PollInterval:     cfg.Ingest.PollInterval,
		ReadBufferSize:   cfg.Ingest.ReadBufferSize,
		SessionQueueSize: cfg.Ingest.SessionQueueSize,
	}, events, m)
	if err != nil {
		store.Close()
		return err
	}

	// Optional filter stage between the sessions and the engine.
	engineIn := events
	if filters := buildFilters(cfg.Filter); len(filters) > 0 {
		filtered := make(chan sdr.ScanResult, cfg.Ingest.EventQueueSize)
		go filter.Filter(events, filtered, filters, m)
		engineIn = filtered
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	engineErr := make(chan error, 1)
	go func() {
		err := aggregate.New(store, m).Run(engineIn)
		if err != nil {
			// Stop ingest and keep the pipeline moving until it is closed.
			cancel()
			for range engineIn {
			}
		}
		engineErr <- err
	}()

	hwID, _ := cfg.HardwareID()
	api := &API{
		store: store,
		sender: &configure.Sender{
			Conn:       srv.Conn(),
			Port:       cfg.Configure.Port,
			Version:    cfg.Version(),
			HardwareID: hwID,
			Metrics:    m,
		},
		boards:  cfg.Configure.Boards,
		metrics: promhttp.Handler(),
	}
	if reports != nil {
		api.reports = reports
	}
	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: api.Router(),
	}
	go func() {
		var err error
		if cfg.HTTP.CertFile != "" {
			err = httpServer.ListenAndServeTLS(cfg.HTTP.CertFile, cfg.HTTP.KeyFile)
		} else {
			glog.Infoln("Resorting to serving HTTP because there was no certificate and key defined.")
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("HTTP server failed: %s", err)
			cancel()
		}
	}()
	glog.Infof("HTTP API listening on %s", cfg.HTTP.Listen)

	<-ctx.Done()
	glog.Infof("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("error shutting down HTTP server: %s", err)
	}

	var errs []error
	if err := <-serveErr; err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}
	if err := <-engineErr; err != nil {
		errs = append(errs, fmt.Errorf("aggregation: %w", err))
	}
	return errors.Join(errs...)
}

// openStore returns the configured store and, when it keeps one, its
// report archive.
func openStore(cfg *config.Config) (export.Store, *export.SQL, error) {
	var (
		s   *export.SQL
		err error
	)
	switch cfg.Store.Driver {
	case config.StoreMemory:
		return export.NewMemory(), nil, nil
	case config.StoreSQLite:
		s, err = export.OpenSQL(export.DriverSQLite, cfg.Store.SQLiteFile)
		if err == nil && cfg.Store.ArchiveOnClose {
			s.ArchivePath = cfg.Store.SQLiteFile
		}
	case config.StoreMySQL:
		var dsn string
		dsn, err = mysqlDSN(cfg.Store.MySQL)
		if err == nil {
			s, err = export.OpenSQL(export.DriverMySQL, dsn)
		}
	case config.StorePostgres:
		s, err = export.OpenSQL(export.DriverPostgres, cfg.Store.Postgres.DSN)
	default:
		err = fmt.Errorf("%q is not a supported store, pick one of: memory, sqlite, mysql, postgres", cfg.Store.Driver)
	}
	if err != nil {
		return nil, nil, err
	}
	glog.Infof("storing aggregates in %s", cfg.Store.Driver)
	return s, s, nil
}

func mysqlDSN(c config.MySQLConfig) (string, error) {
	var pass []byte
	if c.PasswordFile != "" {
		var err error
		if pass, err = os.ReadFile(c.PasswordFile); err != nil {
			return "", fmt.Errorf("unable to read MySQL password file %q: %w", c.PasswordFile, err)
		}
	}
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = strings.TrimSpace(string(pass))
	mc.Net = "tcp"
	mc.Addr = c.Server
	mc.DBName = c.DBName
	return mc.FormatDSN(), nil
}

func buildFilters(c config.FilterConfig) []filter.Filterer {
	var filters []filter.Filterer
	if c.FreqLowKHz != 0 || c.FreqHighKHz != 0 {
		high := c.FreqHighKHz
		if high == 0 {
			high = int64(sdr.MaxFreqMHz) * 1000
		}
		filters = append(filters, &filter.FilterFreq{FreqLowKHz: c.FreqLowKHz, FreqHighKHz: high})
	}
	if len(c.Senders) > 0 {
		filters = append(filters, filter.NewFilterSender(c.Senders))
	}
	return filters
}
