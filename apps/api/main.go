// Command api serves the remote record store: accounts, sessions, records and session events.
package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	echoapi "github.com/trezcool/masomo-offline/apps/api/echo"
	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
	"github.com/trezcool/masomo-offline/core/user"
	emailsvc "github.com/trezcool/masomo-offline/services/email"
	logsvc "github.com/trezcool/masomo-offline/services/logger"
	"github.com/trezcool/masomo-offline/storage/database"
	inmemdb "github.com/trezcool/masomo-offline/storage/database/inmem"
	sqlxrepos "github.com/trezcool/masomo-offline/storage/database/sqlx"
)

const purgeInterval = time.Hour

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)
	defer logger.Wait()

	dbLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	dbLogger.Enable(!conf.Debug)

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	deps := records.ServiceDeps{Mail: mailSvc, Conf: conf}
	if conf.Database.Engine == "memory" {
		db := inmemdb.Open()
		deps.Records = inmemdb.NewRecordRepository(db)
		deps.Credentials = inmemdb.NewCredentialRepository(db)
		deps.Tokens = inmemdb.NewTokenRepository(db)
		logger.Warn("using in-memory storage: records are lost on shutdown")
	} else {
		db, err := setUpDB(conf)
		if err != nil {
			logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
		}
		defer func() {
			if err = db.Close(); err != nil {
				dbLogger.Fatal("Failed to close", err)
			}
		}()
		deps.DB = db
		deps.Records = sqlxrepos.NewRecordRepository(db)
		deps.Credentials = sqlxrepos.NewCredentialRepository(db)
		deps.Tokens = sqlxrepos.NewTokenRepository(db)
	}
	recordSvc := records.NewService(deps)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate, translator := newValidate()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			RecordSvc:  recordSvc,
			Validate:   validate,
			Translator: translator,
		},
	)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.Publish("event_streams", expvar.Func(func() interface{} { return server.Streams() }))

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	ctx, stopPurge := context.WithCancel(context.Background())
	defer stopPurge()
	go purgeTokens(ctx, recordSvc, logger)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
		stopPurge()

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err := server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db.DB, "up"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// purgeTokens drops the revoked tokens past their expiry, periodically.
func purgeTokens(ctx context.Context, svc *records.Service, logger core.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PurgeExpiredTokens(ctx)
			if err != nil {
				logger.Error("purging expired tokens", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired tokens", map[string]interface{}{"count": n})
			}
		}
	}
}

func newValidate() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate, translator
}
