package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"jobd/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./jobd.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "jobd:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "jobd: start:", err)
		os.Exit(1)
	}

	// Block until a signal lands or a fatal background error cancels the app.
	<-a.Done()

	stopErr := a.Stop(context.Background())
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "jobd: fatal:", err)
		os.Exit(1)
	}
	if stopErr != nil {
		fmt.Fprintln(os.Stderr, "jobd: shutdown:", stopErr)
		os.Exit(1)
	}
}
