package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/kreative/realtime/realtime"
)

const RealtimeCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Kreative realtime sync control.

Usage:
    realtimectl tail --ws_url=<ws_url> --api_url=<api_url> [--jwt=<jwt>]
        --section_type=<section_type> --section_key=<section_key>
    realtimectl edit --api_url=<api_url> [--jwt=<jwt>]
        --section_type=<section_type> --section_key=<section_key>
        [<content>]
    realtimectl save --api_url=<api_url> [--jwt=<jwt>]
        --section_type=<section_type> --section_key=<section_key>
        --base_version=<base_version> [<content>]
    realtimectl sections --api_url=<api_url> [--jwt=<jwt>]
        --section_type=<section_type>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --ws_url=<ws_url>                Sync WebSocket endpoint.
    --api_url=<api_url>              Sections HTTP endpoint.
    --jwt=<jwt>                      Bearer token. Prompted when omitted.
    --section_type=<section_type>
    --section_key=<section_key>
    --base_version=<base_version>    Version the write is based on.`

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RealtimeCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if save_, _ := opts.Bool("save"); save_ {
		save(opts)
	} else if sections_, _ := opts.Bool("sections"); sections_ {
		sections(opts)
	}
}

func tokenProvider(opts docopt.Opts) realtime.TokenProvider {
	jwt, _ := opts.String("--jwt")
	if jwt == "" {
		fmt.Fprint(os.Stderr, "Bearer token: ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("read token: %s", err)
		}
		jwt = strings.TrimSpace(string(tokenBytes))
	}
	return realtime.NewStaticTokenProvider(jwt)
}

func sectionKey(opts docopt.Opts) realtime.SectionKey {
	sectionType, _ := opts.String("--section_type")
	sectionName, _ := opts.String("--section_key")
	return realtime.NewSectionKey(sectionType, sectionName)
}

// subscribe to one section and print updates until interrupted
func tail(opts docopt.Opts) {
	wsUrl, _ := opts.String("--ws_url")
	apiUrl, _ := opts.String("--api_url")
	key := sectionKey(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service := realtime.NewSyncServiceWithDefaults(cancelCtx, wsUrl, apiUrl, tokenProvider(opts))
	defer service.Close()

	service.AddStateChangeListener(func(state realtime.ConnectionState) {
		Err.Printf("state %s", state)
	})
	service.AddTypingListener(func(event *realtime.TypingEvent) {
		Err.Printf("%s typing (%s)", event.Key, event.UserId)
	})

	subscription := service.Subscribe(key, func(update *realtime.SectionUpdate) {
		Out.Printf("%s v%d (%s) %s", update.Key, update.Version, update.Source, string(update.Content))
	})
	defer subscription.Unsubscribe()
	Err.Printf("subscribed %s at %s as %s", key, subscription.SubscribedAt().Format(time.RFC3339), service.InstanceId())

	service.Connect()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// submit one edit and wait for the save outcome
func edit(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	key := sectionKey(opts)

	content := contentArg(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := realtime.DefaultSyncSettings()
	// interactive use, no point waiting out the full debounce window
	settings.AutoSaveSettings.DebounceTimeout = 100 * time.Millisecond

	service := realtime.NewSyncService(cancelCtx, "", apiUrl, tokenProvider(opts), settings)
	defer service.Close()

	done := make(chan *realtime.SaveEvent, 1)
	service.AddSaveListener(func(event *realtime.SaveEvent) {
		done <- event
	})

	service.Edit(key, json.RawMessage(content))

	select {
	case event := <-done:
		switch event.Result {
		case realtime.SaveResultSuccess:
			Out.Printf("saved %s v%d", event.Key, event.Version)
		case realtime.SaveResultConflict:
			Out.Printf("conflict %s: server v%d %s", event.Key, event.ServerVersion, string(event.ServerContent))
			os.Exit(1)
		case realtime.SaveResultFailed:
			Err.Fatalf("save failed: %s", event.Err)
		}
	case <-time.After(60 * time.Second):
		Err.Fatalf("save timeout")
	}
}

func contentArg(opts docopt.Opts) string {
	content, _ := opts.String("<content>")
	if content == "" {
		contentBytes, err := os.ReadFile("/dev/stdin")
		if err != nil {
			Err.Fatalf("read content: %s", err)
		}
		content = string(contentBytes)
	}
	if !json.Valid([]byte(content)) {
		Err.Fatalf("content must be valid json")
	}
	return content
}

// one direct write with an explicit base version, no debounce
func save(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	key := sectionKey(opts)
	baseVersion, err := opts.Int("--base_version")
	if err != nil {
		Err.Fatalf("base_version must be an integer")
	}
	content := contentArg(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := realtime.NewHttpSectionApi(cancelCtx, apiUrl, tokenProvider(opts))
	defer api.Close()

	callback, c := realtime.NewBlockingApiCallback[*realtime.SaveSectionResult]()
	api.SaveSection(&realtime.SaveSectionArgs{
		EditId:      realtime.NewId(),
		SectionType: key.SectionType,
		SectionKey:  key.SectionName,
		Content:     json.RawMessage(content),
		BaseVersion: int64(baseVersion),
	}, callback)

	result := <-c
	if result.Error != nil {
		Err.Fatalf("save: %s", result.Error)
	}
	if conflict := result.Result.Conflict; conflict != nil {
		Out.Printf("conflict %s: server v%d (%s) %s", key, conflict.Version, conflict.UpdatedBy, string(conflict.Content))
		os.Exit(1)
	}
	Out.Printf("saved %s v%d", key, result.Result.Version)
}

// list the current snapshots for a section type
func sections(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	sectionType, _ := opts.String("--section_type")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := realtime.NewHttpSectionApi(cancelCtx, apiUrl, tokenProvider(opts))
	defer api.Close()

	callback, c := realtime.NewBlockingApiCallback[*realtime.GetSectionsResult]()
	api.GetSections(sectionType, callback)

	result := <-c
	if result.Error != nil {
		Err.Fatalf("get sections: %s", result.Error)
	}
	for _, record := range result.Result.Sections {
		Out.Printf("%s/%s v%d %s", sectionType, record.SectionKey, record.Version, string(record.Content))
	}
}
