package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"interop.io/glue"
)

const GluectlVersion = "0.0.1"

const DefaultGatewayUrl = "ws://localhost:8385/gw"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Glue control.

The default gateway url is %s.

Usage:
    gluectl watch-context --name=<name> [--url=<url>] [--default_url=<default_url>]
        [--token=<token>]
    gluectl set-context --name=<name> [--url=<url>] [--default_url=<default_url>]
        [--token=<token>] <json>
    gluectl watch-channel --channel=<channel_id> [--type=<fdc3_type>]
        [--url=<url>] [--default_url=<default_url>] [--token=<token>]
    gluectl broadcast --channel=<channel_id> [--url=<url>] [--default_url=<default_url>]
        [--token=<token>] <json>
    gluectl list-channels [--url=<url>] [--default_url=<default_url>] [--token=<token>]
    gluectl join --channel=<channel_id> [--url=<url>] [--default_url=<default_url>]
        [--token=<token>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --url=<url>                  Preferred gateway url.
    --default_url=<default_url>  Fallback gateway url.
    --token=<token>              Gateway auth token. Prompted when absent.
    --name=<name>                Context name.
    --channel=<channel_id>       Channel id.
    --type=<fdc3_type>           Filter delivered contexts by type.`,
		DefaultGatewayUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], GluectlVersion)
	if err != nil {
		panic(err)
	}

	if watchContext_, _ := opts.Bool("watch-context"); watchContext_ {
		watchContext(opts)
	} else if setContext_, _ := opts.Bool("set-context"); setContext_ {
		setContext(opts)
	} else if watchChannel_, _ := opts.Bool("watch-channel"); watchChannel_ {
		watchChannel(opts)
	} else if broadcast_, _ := opts.Bool("broadcast"); broadcast_ {
		broadcast(opts)
	} else if listChannels_, _ := opts.Bool("list-channels"); listChannels_ {
		listChannels(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	}
}

func watchContext(opts docopt.Opts) {
	ctx, g := open(opts)

	name := opts["--name"].(string)
	unsub, err := g.Contexts().Subscribe(ctx, name, func(data map[string]any, meta *glue.UpdateMeta) {
		Out.Printf("%s <- %s\n", meta.Name, encode(data))
		if meta.Source != nil {
			Out.Printf("    from %s (%s)\n", meta.Source.AppId, meta.Source.InstanceId)
		}
	})
	if err != nil {
		panic(err)
	}
	defer unsub()

	waitForExit(ctx)
}

func setContext(opts docopt.Opts) {
	ctx, g := open(opts)

	name := opts["--name"].(string)
	data := decode(opts["<json>"].(string))
	if err := g.Contexts().Set(ctx, name, data); err != nil {
		panic(err)
	}
	Out.Printf("%s set\n", name)
}

func watchChannel(opts docopt.Opts) {
	ctx, g := open(opts)

	channelId := opts["--channel"].(string)
	var fdc3Type string
	if fdc3TypeAny := opts["--type"]; fdc3TypeAny != nil {
		fdc3Type = fdc3TypeAny.(string)
	}

	unsub, err := g.Channels().AddContextListener(ctx, func(fdc3Context *glue.Context, meta *glue.UpdateMeta) {
		Out.Printf("%s <- [%s] %s\n", channelId, fdc3Context.Type, encode(fdc3Context.Fields))
	}, fdc3Type, channelId)
	if err != nil {
		panic(err)
	}
	defer unsub()

	waitForExit(ctx)
}

func broadcast(opts docopt.Opts) {
	ctx, g := open(opts)

	channelId := opts["--channel"].(string)
	fields := decode(opts["<json>"].(string))

	fdc3Context := &glue.Context{}
	if fdc3TypeAny, ok := fields["type"]; ok {
		fdc3Context.Type, _ = fdc3TypeAny.(string)
		delete(fields, "type")
	}
	fdc3Context.Fields = fields
	if fdc3Context.Type == "" {
		panic("The context json must carry a \"type\".")
	}

	if err := g.Channels().Broadcast(ctx, fdc3Context, channelId); err != nil {
		panic(err)
	}
	Out.Printf("%s -> %s\n", channelId, fdc3Context.Type)
}

func listChannels(opts docopt.Opts) {
	ctx, g := open(opts)

	channels, err := g.Channels().GetUserChannels(ctx)
	if err != nil {
		panic(err)
	}
	for _, channel := range channels {
		display := channel.DisplayMetadata()
		Out.Printf("%s    %s (%s)\n", channel.Id(), display.Name, display.Color)
	}
}

func join(opts docopt.Opts) {
	ctx, g := open(opts)

	channelId := opts["--channel"].(string)
	if err := g.Channels().JoinUserChannel(ctx, channelId); err != nil {
		panic(err)
	}
	Out.Printf("joined %s\n", channelId)
}

// open wires a transport and a glue client and hands the transport over, the
// same handover a hosting environment would perform
func open(opts docopt.Opts) (context.Context, *glue.Glue) {
	cancelCtx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		defer cancel()
		select {
		case <-cancelCtx.Done():
		case <-sigs:
		}
	}()

	url := DefaultGatewayUrl
	if urlAny := opts["--url"]; urlAny != nil {
		url = urlAny.(string)
	}
	var defaultUrl string
	if defaultUrlAny := opts["--default_url"]; defaultUrlAny != nil {
		defaultUrl = defaultUrlAny.(string)
	}

	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	} else {
		fmt.Print("Enter gateway token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		fmt.Println()
		token = string(tokenBytes)
	}

	auth := &glue.GatewayAuth{
		Token:      token,
		InstanceId: glue.NewId(),
		AppVersion: GluectlVersion,
	}
	transport := glue.NewGatewayTransportWithDefaults(cancelCtx, url, defaultUrl, auth)

	g := glue.NewGlueWithDefaults(cancelCtx)
	g.Bootstrap().Start()
	if err := g.Bootstrap().Offer(transport); err != nil {
		panic(err)
	}
	if err := g.Ready(cancelCtx); err != nil {
		panic(err)
	}

	return cancelCtx, g
}

func waitForExit(ctx context.Context) {
	select {
	case <-ctx.Done():
	}
}

func encode(data map[string]any) string {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(b)
}

func decode(raw string) map[string]any {
	data := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		panic(err)
	}
	return data
}
