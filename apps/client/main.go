// Command client is the offline-first client: session, pending approvals and course drafts.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/trezcool/masomo-offline/core"
	logsvc "github.com/trezcool/masomo-offline/services/logger"
	"github.com/trezcool/masomo-offline/storage/kvstore"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stderr, "CLIENT : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	store, err := kvstore.Open(ctx, conf.Client.Store)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening store: %v", err), err)
	}

	cli := commandLine{
		app: newApp(conf, logger, store, newValidate()),
		out: os.Stdout,
	}
	err = cli.run(ctx, os.Args)

	cli.app.close()
	if cErr := store.Close(); cErr != nil {
		logger.Error("closing store", cErr)
	}
	stop()
	logger.Wait()

	if err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}
