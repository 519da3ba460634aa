// Command rq-consume subscribes to a queue and echoes every delivered
// payload back as its reply, a minimal worker for exercising the
// broker end to end.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/relayqueue/rqd/internal/consumer"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:13700", "broker address")
	queue := flag.String("queue", "", "queue name")
	max := flag.Uint("max", 1, "max outstanding messages (0 = unlimited)")
	exclusive := flag.Bool("exclusive", false, "subscribe exclusively")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *queue == "" {
		fmt.Fprintln(os.Stderr, "rq-consume: -queue is required")
		return 2
	}

	client, err := consumer.Dial(*addr, *queue, consumer.ConsumeOptions{
		Max:       uint16(*max),
		Exclusive: *exclusive,
	}, logger)
	if err != nil {
		logger.Error("dial failed", "error", err)
		return 1
	}
	defer client.Close()

	logger.Info("subscribed, waiting for work", "queue", *queue)
	for {
		delivery, err := client.Next()
		if err != nil {
			logger.Info("consumer stopping", "error", err)
			return 0
		}
		logger.Info("delivered", "id", delivery.ID, "bytes", len(delivery.Payload))
		if delivery.ID == 0 {
			continue // broadcast: no reply expected
		}
		if err := client.Reply(delivery.ID, delivery.Payload); err != nil {
			logger.Error("reply failed", "error", err)
			return 1
		}
	}
}
