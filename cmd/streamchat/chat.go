package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/streamchat/chat/completion"
	"github.com/ZanzyTHEbar/streamchat/chat/config"
	"github.com/ZanzyTHEbar/streamchat/chat/db"
	"github.com/ZanzyTHEbar/streamchat/chat/transcript"
)

var (
	chatBaseURL    string
	chatMode       string
	chatBusyPolicy string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Reads messages from stdin and streams each reply into the terminal.

Ctrl-C cancels the reply in progress; /quit or end of input leaves the session.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatBaseURL, "base-url", "", "override client.base_url")
	chatCmd.Flags().StringVar(&chatMode, "decoder-mode", "", "override client.decoder_mode (delimited|ndjson)")
	chatCmd.Flags().StringVar(&chatBusyPolicy, "busy-policy", "", "override chat.busy_policy (reject|supersede|serialize)")
}

func runChat(cmd *cobra.Command, args []string) error {
	if chatBaseURL != "" {
		cfg.Client.BaseURL = chatBaseURL
	}
	if chatMode != "" {
		cfg.Client.DecoderMode = chatMode
	}
	if chatBusyPolicy != "" {
		cfg.Chat.BusyPolicy = chatBusyPolicy
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var archiveDB *sql.DB
	if cfg.Archive.Enabled {
		conn, err := db.ConnectToDB(ctx, cfg.Archive.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer conn.Close()
		archiveDB = conn
	}

	factory := completion.NewFactory(cfg, archiveDB, logger)
	store := factory.CreateStore()
	o, err := factory.CreateOrchestrator(store, nil)
	if err != nil {
		return err
	}
	defer o.Close()

	cfg.Watch(func(next *config.Config) {
		p, err := completion.NewFactory(next, nil, logger).CreatePolicy()
		if err != nil {
			logger.Warn().Err(err).Msg("Ignoring invalid configuration change")
			return
		}
		o.SetPolicy(p)
	}, func(err error) {
		logger.Warn().Err(err).Msg("Failed to reload configuration")
	})

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	logger.Info().Str("conversation_id", o.ConversationID()).Str("decoder_mode", cfg.Client.DecoderMode).Msg("Chat session started")
	return runREPL(ctx, o, cmd.InOrStdin(), cmd.OutOrStdout(), interrupts)
}

// runREPL reads one message per line and waits for each reply before
// prompting again. A value on interrupts cancels the reply in progress.
func runREPL(ctx context.Context, o *completion.Orchestrator, in io.Reader, out io.Writer, interrupts <-chan os.Signal) error {
	r := newRenderer(out)
	unsubscribe := o.Store().Subscribe(r.onEvent)
	defer unsubscribe()

	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		r.prompt()
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interrupts:
			r.printf("\n")
			return nil
		case l, ok := <-lines:
			if !ok {
				r.printf("\n")
				return <-readErr
			}
			line = l
		}

		if strings.TrimSpace(line) == "/quit" {
			return nil
		}

		turn, err := o.Submit(ctx, line)
		if errors.Is(err, completion.ErrEmptySubmission) {
			continue
		}
		if err != nil {
			r.printf("error: %v\n", err)
			continue
		}

		select {
		case <-turn.Done():
		case <-interrupts:
			turn.Cancel()
			<-turn.Done()
		case <-ctx.Done():
			turn.Cancel()
			<-turn.Done()
			return ctx.Err()
		}
		r.finish(turn.Result())
	}
}

// renderer writes assistant text to out as the transcript grows.
type renderer struct {
	mu  sync.Mutex
	out io.Writer
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) onEvent(ev transcript.Event) {
	if ev.Message.Role != transcript.RoleAssistant {
		return
	}
	switch ev.Kind {
	case transcript.EventAppended:
		r.printf("assistant: %s", ev.Message.Content)
	case transcript.EventExtended:
		r.printf("%s", ev.Delta)
	}
}

func (r *renderer) prompt() { r.printf("> ") }

// finish closes the reply line and marks replies that did not complete.
func (r *renderer) finish(res completion.Result) {
	switch {
	case res.State == completion.StateCancelled:
		r.printf(" [cancelled]\n")
	case res.Failed() && res.Placeholder >= 0:
		r.printf(" [incomplete: %v]\n", res.Err)
	case res.Failed():
		r.printf("error: %v\n", res.Err)
	default:
		r.printf("\n")
	}
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}
