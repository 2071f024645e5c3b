// Package chatbot is the interactive terminal front end: it reads lines,
// dispatches slash commands and renders streamed replies as they arrive.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/peterh/liner"

	"StreamChat/internal/backend"
	"StreamChat/internal/generation"
	"StreamChat/internal/session"
	"StreamChat/internal/sessionstore"
	"StreamChat/internal/timeline"
)

var (
	promptColor  = color.New(color.FgGreen, color.Bold)
	botColor     = color.New(color.FgCyan, color.Bold)
	infoColor    = color.New(color.FgHiBlack)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
)

// ModelCatalog lists the models a user can pick
type ModelCatalog interface {
	Models(ctx context.Context) []backend.Model
}

// ChatBot represents the interactive application
type ChatBot struct {
	controller *generation.Controller
	sessions   *sessionstore.Store
	timeline   *timeline.Timeline
	models     ModelCatalog
	logger     *slog.Logger
	out        io.Writer

	historyFile string
	render      *renderer
	unsubscribe func()
}

// Options configures a ChatBot
type Options struct {
	Logger      *slog.Logger
	Out         io.Writer
	HistoryFile string // liner history; empty disables persistence
}

// NewChatBot wires the REPL to the chat services
func NewChatBot(controller *generation.Controller, sessions *sessionstore.Store, tl *timeline.Timeline, models ModelCatalog, opts Options) *ChatBot {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	cb := &ChatBot{
		controller:  controller,
		sessions:    sessions,
		timeline:    tl,
		models:      models,
		logger:      opts.Logger,
		out:         opts.Out,
		historyFile: opts.HistoryFile,
	}
	cb.render = &renderer{out: opts.Out, loaded: tl.SessionID}
	cb.unsubscribe = tl.Subscribe(cb.render.handle)
	sessions.OnError(func(err error) {
		cb.logger.Error("session update not saved", "error", err)
	})
	return cb
}

// Close detaches the renderer from the timeline
func (cb *ChatBot) Close() {
	cb.unsubscribe()
}

// Run starts the REPL and returns on /quit, Ctrl+D or when ctx is done
func (cb *ChatBot) Run(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	cb.loadHistory(line)
	defer cb.saveHistory(line)

	// Ctrl+C outside the prompt stops the reply being streamed
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			cb.controller.StopActive()
		}
	}()

	cb.printBanner()

	for {
		if ctx.Err() != nil {
			return nil
		}

		input, err := line.Prompt("You: ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(cb.out)
				break
			}
			return fmt.Errorf("read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		quit, err := cb.HandleLine(ctx, input)
		if err != nil {
			errorColor.Fprintf(cb.out, "Error: %v\n", err)
			cb.logger.Error("command error", "input", input, "error", err)
		}
		if quit {
			break
		}
	}

	fmt.Fprintln(cb.out, "Goodbye!")
	return nil
}

func (cb *ChatBot) loadHistory(line *liner.State) {
	if cb.historyFile == "" {
		return
	}
	if f, err := os.Open(cb.historyFile); err == nil {
		if _, err := line.ReadHistory(f); err != nil {
			cb.logger.Warn("failed to read input history", "path", cb.historyFile, "error", err)
		}
		f.Close()
	}
}

func (cb *ChatBot) saveHistory(line *liner.State) {
	if cb.historyFile == "" {
		return
	}
	f, err := os.OpenFile(cb.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		cb.logger.Warn("failed to save input history", "path", cb.historyFile, "error", err)
		return
	}
	defer f.Close()
	if _, err := line.WriteHistory(f); err != nil {
		cb.logger.Warn("failed to save input history", "path", cb.historyFile, "error", err)
	}
}

func (cb *ChatBot) printBanner() {
	fmt.Fprintln(cb.out, "=== StreamChat ===")
	if sess, ok := cb.sessions.Active(); ok {
		fmt.Fprintf(cb.out, "Session: %s (%s)\n", sess.Title, sess.ID)
	}
	fmt.Fprintf(cb.out, "Model: %s\n", cb.controller.Model())
	infoColor.Fprintln(cb.out, "Type /help for commands, /quit to exit. Ctrl+C stops a reply.")
	fmt.Fprintln(cb.out)
}

// HandleLine runs one line of input: a slash command or a message to send.
// It reports whether the REPL should exit.
func (cb *ChatBot) HandleLine(ctx context.Context, input string) (bool, error) {
	if strings.HasPrefix(input, "/") {
		return cb.handleCommand(ctx, input)
	}

	gen, err := cb.controller.Send(ctx, input)
	if err != nil {
		return false, err
	}
	return false, cb.await(ctx, gen)
}

// await blocks until gen ends; the renderer has printed its fragments
func (cb *ChatBot) await(ctx context.Context, gen *generation.Generation) error {
	outcome, err := gen.Wait(ctx)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		cb.controller.Stop(gen.SessionID)
		return nil
	case outcome == generation.Cancelled:
		warningColor.Fprintln(cb.out, "[Cancelled]")
	}
	fmt.Fprintln(cb.out)
	return err
}

// handleCommand handles slash commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		sess, err := cb.controller.NewSession(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "Started new session:", sess.ID)
		return false, nil

	case "/list":
		cb.PrintSessions(cb.out)
		return false, nil

	case "/switch":
		if len(parts) < 2 {
			return false, errors.New("usage: /switch <id|number>")
		}
		id, err := cb.resolveSession(parts[1])
		if err != nil {
			return false, err
		}
		if err := cb.controller.SelectSession(ctx, id); err != nil {
			return false, err
		}
		sess, _ := cb.sessions.Get(id)
		fmt.Fprintf(cb.out, "Switched to %s (%s)\n\n", sess.Title, sess.ID)
		cb.printTranscript()
		return false, nil

	case "/rename":
		title := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))
		if title == "" {
			return false, errors.New("usage: /rename <title>")
		}
		sess, ok := cb.sessions.Active()
		if !ok {
			return false, session.ErrNoActiveSession
		}
		if err := cb.sessions.Rename(sess.ID, title); err != nil {
			return false, err
		}
		fmt.Fprintf(cb.out, "Renamed session to %q\n", title)
		return false, nil

	case "/model":
		if len(parts) < 2 {
			fmt.Fprintln(cb.out, "Current model:", cb.controller.Model())
			return false, nil
		}
		if err := cb.controller.SelectModel(ctx, parts[1]); err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "Model set to:", parts[1])
		return false, nil

	case "/models":
		cb.PrintModels(ctx, cb.out)
		return false, nil

	case "/regenerate":
		gen, err := cb.controller.Regenerate(ctx)
		if err != nil {
			return false, err
		}
		return false, cb.await(ctx, gen)

	case "/delete":
		if len(parts) < 2 {
			return false, errors.New("usage: /delete <id|number>")
		}
		id, err := cb.resolveSession(parts[1])
		if err != nil {
			return false, err
		}
		if err := cb.controller.DeleteSession(ctx, id); err != nil {
			return false, err
		}
		fmt.Fprintln(cb.out, "Deleted session:", id)
		return false, nil

	case "/help":
		fmt.Fprintln(cb.out, "Available commands:")
		fmt.Fprintln(cb.out, "  /new                 - Start a new chat session")
		fmt.Fprintln(cb.out, "  /list                - List your sessions")
		fmt.Fprintln(cb.out, "  /switch <id|number>  - Switch to another session")
		fmt.Fprintln(cb.out, "  /rename <title>      - Rename the current session")
		fmt.Fprintln(cb.out, "  /model [id]          - Show or set the model")
		fmt.Fprintln(cb.out, "  /models              - List available models")
		fmt.Fprintln(cb.out, "  /regenerate          - Replace the last reply")
		fmt.Fprintln(cb.out, "  /delete <id|number>  - Delete a session and its messages")
		fmt.Fprintln(cb.out, "  /quit, /exit         - Exit")
		fmt.Fprintln(cb.out, "  /help                - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

// resolveSession accepts a session id or its 1-based position in /list
func (cb *ChatBot) resolveSession(arg string) (string, error) {
	sessions := cb.sessions.Sessions()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(sessions) {
			return "", fmt.Errorf("no session #%d: %w", n, session.ErrSessionNotFound)
		}
		return sessions[n-1].ID, nil
	}
	return arg, nil
}

// PrintSessions writes the session list, newest first, marking the active one
func (cb *ChatBot) PrintSessions(w io.Writer) {
	sessions := cb.sessions.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions yet.")
		return
	}
	active, _ := cb.sessions.Active()
	for i, sess := range sessions {
		marker := " "
		if sess.ID == active.ID {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %d. %s  %s  %s\n", marker, i+1, sess.Title,
			infoColor.Sprint(sess.ModelID), infoColor.Sprint(sess.ID))
	}
}

// PrintModels writes the model catalog, marking the selected model
func (cb *ChatBot) PrintModels(ctx context.Context, w io.Writer) {
	current := cb.controller.Model()
	fmt.Fprintln(w, "Available models:")
	for _, m := range cb.models.Models(ctx) {
		marker := " "
		if m.ID == current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-28s %s\n", marker, m.ID, infoColor.Sprintf("%s (%s)", m.Description, m.Backend))
	}
}

func (cb *ChatBot) printTranscript() {
	for _, m := range cb.timeline.Messages() {
		if m.Role == session.RoleUser {
			promptColor.Fprint(cb.out, "You: ")
		} else {
			botColor.Fprint(cb.out, "Bot: ")
		}
		fmt.Fprintln(cb.out, m.Content)
	}
	fmt.Fprintln(cb.out)
}

// renderer prints the streaming reply of the loaded session as it grows
type renderer struct {
	out    io.Writer
	loaded func() string

	mu        sync.Mutex
	messageID string
	shown     string
}

func (r *renderer) handle(e timeline.Event) {
	if e.SessionID != r.loaded() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Kind {
	case timeline.Appended:
		if e.Message.Role == session.RoleAssistant && e.Message.Streaming {
			r.messageID = e.Message.ID
			r.shown = ""
			botColor.Fprint(r.out, "Bot: ")
		}
	case timeline.Patched:
		if e.Message.ID == r.messageID {
			r.write(e.Message.Content)
		}
	case timeline.Finalized:
		if e.Message.ID != r.messageID {
			return
		}
		// every fragment was printed on patch, so different content is the error text
		if e.Message.Content != r.shown {
			if r.shown != "" {
				fmt.Fprintln(r.out)
			}
			errorColor.Fprint(r.out, e.Message.Content)
		}
		fmt.Fprintln(r.out)
		r.messageID = ""
		r.shown = ""
	}
}

func (r *renderer) write(content string) {
	if len(content) < len(r.shown) || !strings.HasPrefix(content, r.shown) {
		return
	}
	fmt.Fprint(r.out, content[len(r.shown):])
	r.shown = content
}
