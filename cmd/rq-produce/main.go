// Command rq-produce submits one REQUEST (or, with -broadcast, one
// BROADCAST) to a running rqd broker and prints the reply.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/relayqueue/rqd/internal/producer"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:13700", "broker address")
	queue := flag.String("queue", "", "queue name")
	payload := flag.String("payload", "", "message payload")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout (0 disables)")
	broadcast := flag.Bool("broadcast", false, "send BROADCAST instead of REQUEST")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *queue == "" {
		fmt.Fprintln(os.Stderr, "rq-produce: -queue is required")
		return 2
	}

	client, err := producer.Dial(*addr, logger)
	if err != nil {
		logger.Error("dial failed", "error", err)
		return 1
	}
	defer client.Close()

	if *broadcast {
		if err := client.Broadcast(*queue, []byte(*payload)); err != nil {
			logger.Error("broadcast failed", "error", err)
			return 1
		}
		return 0
	}

	reply, err := client.Request(*queue, []byte(*payload), *timeout)
	if err != nil {
		logger.Error("request failed", "error", err)
		return 1
	}
	fmt.Println(string(reply))
	return 0
}
