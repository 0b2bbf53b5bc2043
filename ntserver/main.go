package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/amorygalili/nt4/nt4"
)

const DefaultPort = 5810

func main() {
	usage := fmt.Sprintf(
		`NT4 coordinator.

Usage:
    ntserver listen [--port=<port>] [--verbose]

Options:
    -h --help          Show this screen.
    -p --port=<port>   Listen port [default: %d].
    -v --verbose       Log announces and value changes.`,
		DefaultPort,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "0.1.0")
	if err != nil {
		panic(err)
	}

	if listen_, _ := opts.Bool("listen"); listen_ {
		listen(opts)
	}
}

func listen(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	if port == 0 {
		port = DefaultPort
	}
	verbose, _ := opts.Bool("--verbose")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	server := nt4.NewServerWithDefaults(cancelCtx)
	defer server.Close()

	if verbose {
		server.AddTopicCallback(func(topic *nt4.Topic, added bool) {
			if added {
				fmt.Printf("announce %s (%s) id=%d\n", topic.Name, topic.Type, topic.Id)
			} else {
				fmt.Printf("unannounce %s\n", topic.Name)
			}
		})
		server.AddValueCallback(func(topic *nt4.Topic, value nt4.Value) {
			fmt.Printf("value %s @%d\n", topic.Name, value.Timestamp)
		})
	}

	fmt.Printf("listening on :%d\n", port)
	if err := server.Listen(port); err != nil {
		fmt.Fprintf(os.Stderr, "listen error: %s\n", err)
		os.Exit(1)
	}
}
