// Command admin manages the backend: migrations, accounts and credentials.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
	emailsvc "github.com/trezcool/masomo-offline/services/email"
	logsvc "github.com/trezcool/masomo-offline/services/logger"
	"github.com/trezcool/masomo-offline/storage/database"
	sqlxrepos "github.com/trezcool/masomo-offline/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	validate, _ := newValidate()
	cli := commandLine{validate: validate, out: os.Stdout}

	if len(os.Args) > 1 && os.Args[1] != cmdHashPassword {
		// set up DB
		db, err := setUpDB(conf)
		if err != nil {
			logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
		}
		defer db.Close()

		var mailSvc core.EmailService
		if conf.Debug {
			mailSvc = emailsvc.NewConsoleService(conf, logger)
		} else {
			mailSvc = emailsvc.NewSendgridService(conf, logger)
		}
		cli.db = db.DB
		cli.svc = records.NewService(records.ServiceDeps{
			DB:          db,
			Records:     sqlxrepos.NewRecordRepository(db),
			Credentials: sqlxrepos.NewCredentialRepository(db),
			Tokens:      sqlxrepos.NewTokenRepository(db),
			Mail:        mailSvc,
			Conf:        conf,
		})
	}

	// start CLI
	err := cli.run(os.Args)
	logger.Wait()
	if err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}
	return database.Open(conf)
}
