package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/gateway"
	"github.com/kohtravel/agentd/pkg/models"
)

// runChat runs one or more turns in memory and streams them to stdout.
func runChat(cmd *cobra.Command, configPath string, opts chatOptions, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr at warn so they do not interleave with the reply.
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "text"
	logger := newLogger(cfg, false)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger, runtimeOptions{memoryStore: true, modelOverride: opts.model})
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	a, err := rt.agentFor(strings.ToLower(opts.project))
	if err != nil {
		return err
	}
	session := opts.sessionID
	if session == "" {
		session = uuid.NewString()
	}
	bundle := make(map[string]any, len(opts.context))
	for k, v := range opts.context {
		bundle[k] = v
	}
	out := newChatPrinter(cmd.OutOrStdout(), isTerminal(cmd.OutOrStdout()))

	turn := func(message string) error {
		return runChatTurn(ctx, a, agent.TurnRequest{
			SessionID: session,
			UserID:    opts.userID,
			Message:   message,
			Context:   bundle,
		}, out)
	}

	if len(args) == 1 {
		return turn(args[0])
	}

	in := cmd.InOrStdin()
	if !isTerminal(in) {
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		message := strings.TrimSpace(string(data))
		if message == "" {
			return errors.New("no message given")
		}
		return turn(message)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Chatting with %s (session %s). Ctrl-D to exit.\n", a.Name, session)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(cmd.ErrOrStderr(), "> ")
		if !scanner.Scan() {
			fmt.Fprintln(cmd.ErrOrStderr())
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := turn(line); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func runChatTurn(ctx context.Context, a *gateway.Agent, req agent.TurnRequest, out *chatPrinter) error {
	events, err := a.Orchestrator.Run(ctx, req)
	if err != nil {
		return err
	}
	var turnErr error
	for event := range events {
		if data, ok := event.Data.(models.ErrorData); ok && event.Type == models.EventError {
			turnErr = fmt.Errorf("%s: %s", data.Kind, data.Error)
		}
		out.print(event)
	}
	return turnErr
}

// chatPrinter renders events for a person. On a terminal tool activity is
// dimmed.
type chatPrinter struct {
	w     io.Writer
	color bool
}

func newChatPrinter(w io.Writer, color bool) *chatPrinter {
	return &chatPrinter{w: w, color: color}
}

func (p *chatPrinter) print(event *models.Event) {
	switch data := event.Data.(type) {
	case models.ContentData:
		fmt.Fprint(p.w, data.Content)
	case models.ToolCallData:
		p.note(fmt.Sprintf("[tool %s %s]", data.Name, data.Arguments))
	case models.ToolResultData:
		if data.Success {
			p.note(fmt.Sprintf("[result %s ok]", data.CallID))
		} else {
			p.note(fmt.Sprintf("[result %s failed: %s]", data.CallID, *data.Error))
		}
	case models.ErrorData:
		p.note(fmt.Sprintf("[error %s: %s]", data.Kind, data.Error))
	case models.DoneData:
		fmt.Fprintln(p.w)
	default:
		slog.Debug("unknown event", "type", event.Type)
	}
}

func (p *chatPrinter) note(text string) {
	if p.color {
		fmt.Fprintf(p.w, "\n\x1b[2m%s\x1b[0m\n", text)
		return
	}
	fmt.Fprintf(p.w, "\n%s\n", text)
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
