package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/aegisreactor"
)

func main() {
	flow, err := aegisreactor.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, events, closeEvents := aegisreactor.NewChannelHandler(32)
	defer closeEvents()

	go fanoutWorker("ingest", events)

	if err := flow.Run(ctx, aegisreactor.StreamOutHandler(handler)); err != nil {
		log.Fatalf("reactor exited: %v", err)
	}
}

func fanoutWorker(name string, events <-chan aegisreactor.Event) {
	for ev := range events {
		fmt.Printf("[%s] %s#%d (%d bytes) at %s\n", name, ev.SourceID, ev.ID, len(ev.Payload), time.Now().Format(time.RFC3339))
	}
}
