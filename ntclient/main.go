package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/amorygalili/nt4/nt4"
)

const DefaultUrl = "ws://127.0.0.1:5810"

func main() {
	usage := fmt.Sprintf(
		`NT4 client.

The default url is %s.

Usage:
    ntclient watch [--url=<url>] [--prefix=<prefix>] [--name=<name>]
    ntclient pub --topic=<topic> --type=<type> --value=<value>
        [--url=<url>] [--name=<name>]

Options:
    -h --help            Show this screen.
    --url=<url>
    --prefix=<prefix>    Subscribe to names starting with this [default: /].
    --name=<name>        Client identity [default: ntclient].
    --topic=<topic>
    --type=<type>        One of: boolean, double, int, string.
    --value=<value>`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "0.1.0")
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if pub_, _ := opts.Bool("pub"); pub_ {
		pub(opts)
	}
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if v := opts[key]; v != nil {
		return v.(string)
	}
	return defaultValue
}

func newClient(ctx context.Context, opts docopt.Opts) *nt4.Client {
	url := optString(opts, "--url", DefaultUrl)
	name := optString(opts, "--name", "ntclient")
	return nt4.NewClientWithDefaults(ctx, url, name)
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	client := newClient(cancelCtx, opts)
	defer client.Close()

	client.AddConnectionCallback(func(connected bool) {
		if connected {
			fmt.Println("connected")
		} else {
			fmt.Println("disconnected")
		}
	})
	client.AddTopicCallback(func(topic *nt4.Topic, added bool) {
		if added {
			fmt.Printf("announce %s (%s)\n", topic.Name, topic.Type)
		} else {
			fmt.Printf("unannounce %s\n", topic.Name)
		}
	})
	client.AddValueCallback(func(topic *nt4.Topic, value nt4.Value) {
		fmt.Printf("%s = %s\n", topic.Name, formatValue(value))
	})

	prefix := optString(opts, "--prefix", "/")
	client.Subscribe(
		[]nt4.TopicSelector{nt4.PrefixSelector(prefix)},
		nt4.SubscriptionOptions{Immediate: true},
	)

	<-cancelCtx.Done()
}

func pub(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx, opts)
	defer client.Close()

	topic := optString(opts, "--topic", "")
	typeName := optString(opts, "--type", "")
	valueStr := optString(opts, "--value", "")

	valueType, err := nt4.ParseValueType(typeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	value, err := parseValue(valueType, valueStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	pubuid := client.Publish(topic, valueType, nil)
	if err := client.SetValue(pubuid, value); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	// give the reconnect loop a moment to deliver
	for i := 0; i < 50; i += 1 {
		if client.Connected() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	time.Sleep(250 * time.Millisecond)
}

func parseValue(valueType nt4.ValueType, s string) (nt4.Value, error) {
	switch valueType {
	case nt4.ValueTypeBoolean:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nt4.Value{}, err
		}
		return nt4.BooleanValue(v, 0), nil
	case nt4.ValueTypeDouble:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nt4.Value{}, err
		}
		return nt4.DoubleValue(v, 0), nil
	case nt4.ValueTypeInt:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nt4.Value{}, err
		}
		return nt4.IntValue(v, 0), nil
	case nt4.ValueTypeString:
		return nt4.StringValue(s, 0), nil
	default:
		return nt4.Value{}, fmt.Errorf("Unsupported type for pub: %s", valueType)
	}
}

func formatValue(value nt4.Value) string {
	switch value.Type {
	case nt4.ValueTypeBoolean:
		return strconv.FormatBool(value.Bool)
	case nt4.ValueTypeDouble, nt4.ValueTypeFloat:
		return strconv.FormatFloat(value.Double, 'g', -1, 64)
	case nt4.ValueTypeInt:
		return strconv.FormatInt(value.Int, 10)
	case nt4.ValueTypeString:
		return value.Str
	default:
		return fmt.Sprintf("<%s>", value.Type)
	}
}
