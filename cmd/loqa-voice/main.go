package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-voice/internal/client"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/language"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/turn"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

var version = "0.1.0-dev"

const usage = `Press Enter to talk, Enter again to stop or interrupt.
Commands: lang en | lang hi | quit`

func main() {
	var (
		configPath  string
		serverURL   string
		verbose     bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "loqa-voice.yaml", "Path to configuration file")
	flag.StringVar(&serverURL, "server", "", "Override client.server_url")
	flag.BoolVar(&verbose, "v", false, "Log debug output to stderr")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadClient(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.Client.ServerURL = serverURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("client exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	sttEngine, err := stt.NewEngine(cfg.STT)
	if err != nil {
		return err
	}
	ttsEngine, err := tts.NewEngine(cfg.TTS)
	if err != nil {
		return err
	}
	display, ok := language.Parse(cfg.Client.DisplayLanguage)
	if !ok {
		display = language.Default
	}

	var (
		ctrl    *turn.Controller
		channel *client.Client
	)
	capture := stt.NewAdapter(sttEngine, func(ev stt.Event) { ctrl.OnCapture(ev) },
		time.Duration(cfg.STT.MaxCaptureMS)*time.Millisecond, logger)
	speaker := tts.NewAdapter(ttsEngine, func(ev tts.Event) { ctrl.OnSpeech(ev) }, logger)

	ctrl = turn.NewController(turn.Options{
		Display: display,
		Channel: turn.ChannelFunc(func(msg protocol.Message) error { return channel.Send(msg) }),
		Capture: capture,
		Speaker: speaker,
		OnStatus: func(state turn.State, _ turn.Status, text string) {
			fmt.Printf("[%s] %s\n", state, text)
		},
		Logger: logger,
	})

	opts := client.OptionsFromConfig(cfg.Client)
	opts.Logger = logger
	channel = client.New(opts, ctrl)

	fmt.Println(usage)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return channel.Run(ctx) })
	g.Go(func() error {
		defer capture.Cancel()
		defer speaker.Cancel()
		return readCommands(ctx, ctrl)
	})
	return g.Wait()
}

// readCommands turns stdin lines into controller events. It returns
// context.Canceled on quit so the other goroutines stop.
func readCommands(ctx context.Context, ctrl *turn.Controller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return context.Canceled
			}
			fields := strings.Fields(line)
			switch {
			case len(fields) == 0:
				ctrl.Post(turn.Tap{})
			case fields[0] == "quit" || fields[0] == "exit":
				return context.Canceled
			case fields[0] == "lang" && len(fields) == 2:
				tag, ok := language.Parse(fields[1])
				if !ok {
					fmt.Printf("unsupported language %q\n", fields[1])
					continue
				}
				ctrl.Post(turn.SetDisplayLanguage{Language: tag})
			default:
				fmt.Println(usage)
			}
		}
	}
}
