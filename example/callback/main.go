package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ghalamif/aegisreactor/pkg/aegisreactor"
)

// Publishes readings from an in-process source, replays one of them the way an
// at-least-once transport would, and shows the handler running once per id.
func main() {
	cfg := aegisreactor.DefaultConfig()
	cfg.CommitSink.Dir = "./data/callback-ledger"
	cfg.Policy.Workers = 2

	src := aegisreactor.NewChannelSource("line-3", 64)
	flow, err := aegisreactor.ConfFromConfig(cfg)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	handle := func(_ context.Context, ev aegisreactor.Event) error {
		if len(ev.Payload) == 0 {
			return aegisreactor.Permanent(errors.New("empty reading"))
		}
		fmt.Printf("%s %s#%d value=%s\n", ev.ReceivedAt.Format(time.RFC3339Nano), ev.SourceID, ev.ID, ev.Payload)
		return nil
	}

	rt, err := flow.
		StreamIN(aegisreactor.StreamInSource(src)).
		StreamOUT(aegisreactor.StreamOutCallback("stdout", handle))
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		log.Fatalf("start: %v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := src.Publish([]byte(fmt.Sprintf("%.1f", 20+float64(i)/10))); err != nil {
			log.Printf("publish: %v", err)
		}
	}
	_ = src.Redeliver(4, []byte("20.3"))

	time.Sleep(500 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	fmt.Printf("processed %d events\n", rt.Stats().Processed)
}
