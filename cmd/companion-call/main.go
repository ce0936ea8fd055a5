// Command companion-call places a voice call from the terminal using the
// host microphone and speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/vango-go/vai-companion/pkg/core/call"
	"github.com/vango-go/vai-companion/pkg/core/companion"
	"github.com/vango-go/vai-companion/pkg/core/media/localaudio"
	"github.com/vango-go/vai-companion/pkg/core/providers/gemini_live"
)

type callConfig struct {
	APIKey    string
	Model     string
	Persona   call.Persona
	Greeting  string
	Muted     bool
	Verbose   bool
	MaxLength time.Duration
}

func parseCallConfig(args []string, getenv func(string) string) (callConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	var (
		cfg     callConfig
		persona string
		voice   string
	)
	fs := flag.NewFlagSet("companion-call", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.Model, "model", strings.TrimSpace(getenv("COMPANION_LIVE_MODEL")), "live model (default: the client's native-audio model)")
	fs.StringVar(&persona, "persona", companion.AgentZero.Name, "Agent Zero or Agent Zara")
	fs.StringVar(&voice, "voice", "", "prebuilt voice (default: the persona's)")
	fs.StringVar(&cfg.Greeting, "greeting", "Hello!", "first user turn so the assistant speaks first")
	fs.BoolVar(&cfg.Muted, "muted", false, "start with the microphone muted")
	fs.BoolVar(&cfg.Verbose, "v", false, "debug logging")
	fs.DurationVar(&cfg.MaxLength, "max", 0, "end the call after this long (0 = no limit)")

	if err := fs.Parse(args); err != nil {
		return callConfig{}, err
	}

	cfg.APIKey = strings.TrimSpace(getenv("GEMINI_API_KEY"))
	if cfg.APIKey == "" {
		return callConfig{}, errors.New("GEMINI_API_KEY is required")
	}

	switch {
	case strings.EqualFold(persona, companion.AgentZero.Name):
		cfg.Persona = companion.AgentZero
	case strings.EqualFold(persona, companion.AgentZara.Name):
		cfg.Persona = companion.AgentZara
	default:
		return callConfig{}, fmt.Errorf("unknown persona %q", persona)
	}
	if voice != "" {
		if !companion.ValidVoice(voice) {
			return callConfig{}, fmt.Errorf("unknown voice %q (want one of %s)", voice, strings.Join(companion.Voices, ", "))
		}
		cfg.Persona.Voice = voice
	}
	if cfg.MaxLength < 0 {
		return callConfig{}, errors.New("-max must be >= 0")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg callConfig, stdout io.Writer, logger *slog.Logger) error {
	client, err := gemini_live.NewClient(ctx, gemini_live.Credentials{APIKey: cfg.APIKey},
		gemini_live.WithLogger(logger),
		gemini_live.WithLiveModel(cfg.Model),
	)
	if err != nil {
		return fmt.Errorf("init gemini: %w", err)
	}

	devices := localaudio.NewDevices(localaudio.Options{Logger: logger})
	defer devices.Close()

	ui := newTerminalSink(stdout)
	lc := companion.New(companion.Dependencies{
		Dialer:  client,
		Devices: devices,
		Output:  localaudio.NewSpeaker(),
		App:     ui,
		Sink:    ui,
		Model:   client.LiveModel(),
		Persona: cfg.Persona,
	}, companion.WithLogger(logger), companion.WithAnalyzer(client.Analyzer()))
	defer lc.Close()

	fmt.Fprintf(stdout, "calling %s (%s)... keys: m mute, s speaker, p pause, q hang up\r\n", cfg.Persona.Name, cfg.Persona.Voice)
	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	_, err = lc.Start(startCtx, call.StartOptions{Greeting: cfg.Greeting, Muted: cfg.Muted})
	cancelStart()
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}

	keys := make(chan byte, 8)
	restore := readKeys(os.Stdin, keys)
	defer restore()

	var limit <-chan time.Time
	if cfg.MaxLength > 0 {
		t := time.NewTimer(cfg.MaxLength)
		defer t.Stop()
		limit = t.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = lc.End(call.StateIdle)
			return nil
		case <-limit:
			fmt.Fprint(stdout, "\r\n[time limit reached]\r\n")
			_ = lc.End(call.StateIdle)
			return nil
		case <-ui.ended:
			return nil
		case k := <-keys:
			if quit := handleKey(lc, k, stdout); quit {
				_ = lc.End(call.StateIdle)
				return nil
			}
		}
	}
}

// callControls is the part of a LiveContext the keyboard drives.
type callControls interface {
	ToggleMute() bool
	ToggleSpeaker() bool
	Pause() bool
	Resume() bool
	Snapshot() call.Snapshot
}

func handleKey(c callControls, k byte, out io.Writer) (quit bool) {
	switch k {
	case 'q', 0x1b, 0x03: // q, ESC, Ctrl-C
		return true
	case 'm':
		if c.ToggleMute() {
			fmt.Fprintf(out, "[muted=%v]\r\n", c.Snapshot().Toggles.Muted)
		}
	case 's':
		if c.ToggleSpeaker() {
			fmt.Fprintf(out, "[speaker=%v]\r\n", c.Snapshot().Toggles.SpeakerEnabled)
		}
	case 'p':
		if c.Snapshot().State == call.StatePaused {
			c.Resume()
		} else {
			c.Pause()
		}
	}
	return false
}

// readKeys forwards single keypresses from a terminal. It returns a func
// that restores the terminal.
func readKeys(f *os.File, keys chan<- byte) func() {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}
	}
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := f.Read(buf)
			if err != nil {
				return
			}
			if n == 1 {
				keys <- buf[0]
			}
		}
	}()
	return func() { _ = term.Restore(fd, oldState) }
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "companion-call: %v\n", err)
		return 1
	}
	cfg, err := parseCallConfig(args, os.Getenv)
	if err != nil {
		fmt.Fprintf(stderr, "companion-call: %v\n", err)
		return 2
	}
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, stdout, logger); err != nil {
		fmt.Fprintf(stderr, "companion-call: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
