package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/pmkprobes/goprobe/cmd/probectl/cmd"
	"github.com/rs/zerolog/log"

	// sim transport
	_ "github.com/pmkprobes/goprobe/pkg/probesim"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel() // Setup interupt handler for ctrl-c
	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, os.Interrupt)
	go func() {
		s := <-quitChan
		log.Info().Stringer("signal", s).Msg("exiting")
		cancel()
		// an exchange on the wire finishes within timeout*attempts
		<-time.After(15 * time.Second)
		log.Fatal().Msg("took to long to shutdown, forcefully exiting")
	}()
	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
