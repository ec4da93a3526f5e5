package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ghalamif/aegisreactor"
)

func main() {
	flow, err := aegisreactor.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = flow.Run(ctx, aegisreactor.StreamOutCallback("stdout", func(_ context.Context, ev aegisreactor.Event) error {
		log.Printf("%s#%d %s", ev.SourceID, ev.ID, ev.Payload)
		return nil
	}))
	if err != nil {
		log.Fatalf("reactor exited: %v", err)
	}
}
