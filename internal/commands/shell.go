package commands

import (
	"bufio"
	"context"
	"errors"
	"fitchat/internal/chat"
	"fitchat/internal/models"
	"fitchat/internal/notify"
	"fitchat/internal/storage"
	"fitchat/internal/tutor"
	"fitchat/internal/ws"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("quit")

const defaultLogSize = 20

// Store is the part of the snapshot store the shell writes to.
type Store interface {
	UpsertMessage(conversationID int64, msg models.Message) error
	ListMessages(conversationID int64, limit int) ([]models.Message, error)
	SaveSelection(name string, id int64) error
}

type Deps struct {
	Chat   *chat.Manager
	Tutor  *tutor.Manager
	Badges *notify.Aggregator

	// Optional.
	Store Store
}

// Shell is a line-oriented front end over the chat and tutor managers.
// Manager callbacks print through the same writer as command output.
type Shell struct {
	mu  sync.Mutex
	out io.Writer
	Deps
}

func New(out io.Writer) *Shell {
	return &Shell{out: out}
}

// Bind attaches the managers. The shell is created first so its callbacks
// can be passed to the managers.
func (s *Shell) Bind(deps Deps) {
	s.Deps = deps
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}

// Warmup loads the lists shown on start and reopens what was selected last
// time. Failures are reported through the manager hooks and do not stop the
// shell.
func (s *Shell) Warmup(ctx context.Context, lastConversation, lastAiSession int64) {
	_ = s.Chat.LoadConversations(ctx)
	_ = s.Tutor.FetchAiChats(ctx)
	if err := s.Badges.Refresh(ctx); err != nil {
		slog.Debug("badge refresh failed", "error", err)
	}

	if lastConversation != 0 {
		_ = s.Chat.SelectConversation(ctx, lastConversation)
	}
	if lastAiSession != 0 {
		_ = s.Tutor.SelectAiChat(ctx, lastAiSession)
	}
}

// Run reads commands from in until EOF, quit or ctx is done.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := s.Exec(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				s.printf("error: %v\n", err)
			}
		}
	}
}

// Exec runs one command line.
func (s *Shell) Exec(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
		return nil
	case "help":
		s.help()
		return nil
	case "quit", "exit":
		return ErrQuit
	case "users":
		return s.users(ctx)
	case "chats":
		return s.chats(ctx)
	case "open":
		return s.open(ctx, arg)
	case "new":
		return s.newConversation(ctx, arg)
	case "say":
		return s.say(arg)
	case "log":
		return s.log(arg)
	case "tutor":
		return s.tutorSessions(ctx)
	case "tutor-new":
		return s.tutorNew(ctx)
	case "tutor-open":
		return s.tutorOpen(ctx, arg)
	case "ask":
		return s.Tutor.SendAiMessage(ctx, arg)
	case "badges":
		return s.badges(ctx)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (s *Shell) help() {
	s.printf(`commands:
  users               list users
  chats               list conversations
  open <id>           open a conversation
  new <user>          start a conversation by user id or name
  say <text>          send a message in the open conversation
  log [n]             show the last messages
  tutor               list tutor sessions
  tutor-new           start a tutor session
  tutor-open <id>     open a tutor session, "none" to close it
  ask <text>          ask the tutor
  badges              show unread counters
  quit
`)
}

func (s *Shell) users(ctx context.Context) error {
	if err := s.Chat.LoadUsers(ctx); err != nil {
		return err
	}
	for _, u := range s.Chat.Users() {
		s.printf("%6d  %s\n", u.ID, u.Username)
	}
	return nil
}

func (s *Shell) chats(ctx context.Context) error {
	if err := s.Chat.LoadConversations(ctx); err != nil {
		return err
	}
	selected := s.Chat.Selected()
	for _, c := range s.Chat.Conversations() {
		marker := " "
		if c.ID == selected {
			marker = "*"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", c.UnreadCount)
		}
		s.printf("%s%6d  %s%s  %s\n", marker, c.ID, c.OtherUser.Username, unread, c.LastMessage.Body)
	}
	return nil
}

func (s *Shell) open(ctx context.Context, arg string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	if err := s.Chat.SelectConversation(ctx, id); err != nil {
		return err
	}
	s.saveSelection(storage.SelectionConversation, id)
	return nil
}

func (s *Shell) newConversation(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: new <user id or name>")
	}
	peer, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		if err := s.Chat.LoadUsers(ctx); err != nil {
			return err
		}
		for _, u := range s.Chat.Users() {
			if strings.EqualFold(u.Username, arg) {
				peer = u.ID
				break
			}
		}
		if peer == 0 {
			return fmt.Errorf("no user named %q", arg)
		}
	}

	conv, err := s.Chat.CreateConversation(ctx, peer)
	if err != nil {
		return err
	}
	s.saveSelection(storage.SelectionConversation, conv.ID)
	s.printf("opened conversation %d\n", conv.ID)
	return nil
}

func (s *Shell) say(text string) error {
	sent, err := s.Chat.Send(text)
	if err != nil {
		return err
	}
	if !sent && strings.TrimSpace(text) != "" {
		s.printf("not connected, open a conversation first\n")
	}
	return nil
}

func (s *Shell) log(arg string) error {
	n := defaultLogSize
	if arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid count %q", arg)
		}
		n = v
	}

	msgs := s.Chat.Recent(n)
	if len(msgs) == 0 && s.Store != nil && s.Chat.Selected() != 0 {
		stored, err := s.Store.ListMessages(s.Chat.Selected(), n)
		if err != nil {
			return fmt.Errorf("failed to read stored messages: %w", err)
		}
		msgs = stored
	}
	for _, msg := range msgs {
		s.printMessage(msg)
	}
	if unread := notify.UnreadMessages(msgs, s.Chat.Self()); unread > 0 {
		s.printf("%d unread\n", unread)
	}
	return nil
}

func (s *Shell) tutorSessions(ctx context.Context) error {
	if err := s.Tutor.FetchAiChats(ctx); err != nil {
		return err
	}
	selected := s.Tutor.Selected()
	for _, c := range s.Tutor.Chats() {
		marker := " "
		if c.ID == selected {
			marker = "*"
		}
		s.printf("%s%6d  %s  %s\n", marker, c.ID, c.ChatID, c.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func (s *Shell) tutorNew(ctx context.Context) error {
	session, err := s.Tutor.CreateAiChat(ctx)
	if err != nil {
		return err
	}
	s.saveSelection(storage.SelectionAiSession, session.ID)
	s.printf("opened tutor session %d\n", session.ID)
	return nil
}

func (s *Shell) tutorOpen(ctx context.Context, arg string) error {
	if arg == "none" {
		s.Tutor.Deselect()
		s.saveSelection(storage.SelectionAiSession, 0)
		return nil
	}
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	if err := s.Tutor.SelectAiChat(ctx, id); err != nil {
		return err
	}
	s.saveSelection(storage.SelectionAiSession, id)
	return nil
}

func (s *Shell) badges(ctx context.Context) error {
	if err := s.Badges.Refresh(ctx); err != nil {
		return err
	}
	b := s.Badges.Badges()
	s.printf("messages: %d  notifications: %d  total: %d\n", b.Messages, b.Notifications, b.Total())
	return nil
}

func (s *Shell) saveSelection(name string, id int64) {
	if s.Store == nil {
		return
	}
	if err := s.Store.SaveSelection(name, id); err != nil {
		slog.Warn("failed to save selection", "name", name, "error", err)
	}
}

// OnMessage prints a chat message and keeps confirmed ones in the store.
func (s *Shell) OnMessage(conversationID int64, msg models.Message) {
	s.printMessage(msg)
	if s.Store == nil || msg.Pending || msg.ID == 0 {
		return
	}
	if err := s.Store.UpsertMessage(conversationID, msg); err != nil {
		slog.Warn("failed to store message", "conversation_id", conversationID, "error", err)
	}
}

func (s *Shell) OnState(conversationID int64, state ws.State) {
	s.printf("[%d] %s\n", conversationID, state)
}

// OnTutorUpdate prints the newest entry of the tutor history.
func (s *Shell) OnTutorUpdate(sessionID int64, msgs []models.AiMessage) {
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	suffix := ""
	if last.Pending {
		suffix = " …"
	}
	s.printf("[tutor %d] %s: %s%s\n", sessionID, last.Sender, last.Body, suffix)
}

func (s *Shell) OnError(err error) {
	s.printf("error: %v\n", err)
}

func (s *Shell) printMessage(msg models.Message) {
	suffix := ""
	if msg.Pending {
		suffix = " …"
	}
	s.printf("%s %s: %s%s\n", msg.Created.Local().Format("15:04"), msg.Sender, msg.Body, suffix)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}
