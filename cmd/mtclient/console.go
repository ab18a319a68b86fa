package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-mtengine/internal/client"
	"telegram-mtengine/internal/infra/config"
	"telegram-mtengine/internal/infra/lifecycle"
	"telegram-mtengine/internal/infra/logger"
	"telegram-mtengine/internal/infra/pr"
	"telegram-mtengine/internal/mtproto/dispatch"
	"telegram-mtengine/internal/mtproto/mterr"
	"telegram-mtengine/internal/mtproto/session"
	"telegram-mtengine/internal/mtproto/wire"
)

const stopTimeout = 5 * time.Second

var commands = []string{"help", "ping", "echo", "send", "edit", "delete", "state", "session", "export", "logout", "exit"}

const helpText = `commands:
  ping                          round trip time
  echo <text>                   echo through the server
  send <chat> <text>            send a message; chat is <id>, group:<id> or channel:<id>
  edit <chat_id> <msg_id> <text>
  delete <chat_id> <msg_id>...
  state                         server update state
  session                       current session (auth key hidden)
  export                        portable session string
  logout                        destroy the key on the server and exit
  exit                          leave the console`

// backend: операции клиента, которые использует консоль.
type backend interface {
	Ping(ctx context.Context) (time.Duration, error)
	Echo(ctx context.Context, text string) (string, error)
	SendMessage(ctx context.Context, chatID int64, chatType int32, text string) (*wire.MessageSent, error)
	EditMessage(ctx context.Context, chatID int64, messageID int32, text string) (*wire.MessageSent, error)
	DeleteMessages(ctx context.Context, chatID int64, ids ...int32) (*wire.MessageSent, error)
	GetState(ctx context.Context) (*wire.State, error)
	Session() *session.Session
	ExportSession() (string, error)
	Logout(ctx context.Context) error
}

var _ backend = (*client.Client)(nil)

var errQuit = errors.New("quit")

type console struct {
	b   backend
	out io.Writer
}

// execute выполняет одну строку. errQuit, пользователь завершил сессию.
func (c *console) execute(ctx context.Context, line string) error {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "":
		return nil
	case "help":
		fmt.Fprintln(c.out, helpText)
	case "exit", "quit":
		return errQuit
	case "ping":
		rtt, err := c.b.Ping(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "pong in %s\n", rtt.Round(time.Microsecond))
	case "echo":
		text, err := c.b.Echo(ctx, rest)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, text)
	case "send":
		chat, text, _ := strings.Cut(rest, " ")
		chatID, chatType, err := parseChat(chat)
		if err != nil {
			return err
		}
		sent, err := c.b.SendMessage(ctx, chatID, chatType, strings.TrimSpace(text))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "sent #%d (seq %d)\n", sent.MessageID, sent.Seq)
	case "edit":
		args := strings.SplitN(rest, " ", 3)
		if len(args) < 3 {
			return errors.New("usage: edit <chat_id> <msg_id> <text>")
		}
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.Wrap(err, "chat id")
		}
		msgID, err := parseMsgID(args[1])
		if err != nil {
			return err
		}
		sent, err := c.b.EditMessage(ctx, chatID, msgID, args[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "edited #%d (seq %d)\n", sent.MessageID, sent.Seq)
	case "delete":
		args := strings.Fields(rest)
		if len(args) < 2 {
			return errors.New("usage: delete <chat_id> <msg_id>...")
		}
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.Wrap(err, "chat id")
		}
		ids := make([]int32, 0, len(args)-1)
		for _, a := range args[1:] {
			id, err := parseMsgID(a)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		sent, err := c.b.DeleteMessages(ctx, chatID, ids...)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "deleted %d (seq %d)\n", len(ids), sent.Seq)
	case "state":
		st, err := c.b.GetState(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(c.out, pr.Pf(st))
	case "session":
		s := c.b.Session()
		if s == nil {
			fmt.Fprintln(c.out, "no session")
			return nil
		}
		s.AuthKey = nil
		fmt.Fprint(c.out, pr.Pf(s))
	case "export":
		token, err := c.b.ExportSession()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, token)
	case "logout":
		if err := c.b.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "logged out")
		return errQuit
	default:
		return errors.Errorf("unknown command %q, try help", name)
	}
	return nil
}

// parseChat разбирает <id>, group:<id> или channel:<id>.
func parseChat(s string) (int64, int32, error) {
	chatType := wire.ChatPrivate
	if kind, id, ok := strings.Cut(s, ":"); ok {
		switch kind {
		case "private", "user":
		case "group":
			chatType = wire.ChatGroup
		case "channel":
			chatType = wire.ChatChannel
		default:
			return 0, 0, errors.Errorf("unknown chat kind %q", kind)
		}
		s = id
	}
	chatID, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, 0, errors.Wrap(err, "chat id")
	}
	return chatID, chatType, nil
}

func parseMsgID(s string) (int32, error) {
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, errors.Wrap(err, "message id")
	}
	return int32(id), nil
}

// formatEvent: строка события для вывода в консоль.
func formatEvent(ev *dispatch.Event) string {
	switch ev.Kind {
	case dispatch.KindNewMessage, dispatch.KindEditMessage:
		m := ev.Message
		dir := "<-"
		if m.Out {
			dir = "->"
		}
		verb := ""
		if ev.Kind == dispatch.KindEditMessage {
			verb = " (edited)"
		}
		return fmt.Sprintf("[%d] %s chat %d #%d from %d%s: %s", ev.Seq, dir, m.ChatID, m.ID, m.SenderID, verb, m.Text)
	case dispatch.KindDeleteMessages:
		return fmt.Sprintf("[%d] chat %d: deleted %v", ev.Seq, ev.ChatID, ev.DeletedIDs)
	case dispatch.KindStateReset:
		return fmt.Sprintf("[%d] state reset from %d, some updates were lost", ev.Seq, ev.ResetFrom)
	default:
		return fmt.Sprintf("[%d] %s", ev.Seq, ev.Kind)
	}
}

// describeError делает ошибку клиента понятнее в консоли.
func describeError(err error) string {
	switch {
	case mterr.IsRateLimited(err):
		return "rate limited: " + err.Error()
	case mterr.IsTimeout(err):
		return "timed out: " + err.Error()
	case errors.Is(err, mterr.ErrDisconnected):
		return "disconnected, retry when the connection is back"
	default:
		return err.Error()
	}
}

// loop читает команды, пока не придёт EOF, exit или отмена ctx.
func (c *console) loop(ctx context.Context) {
	for ctx.Err() == nil {
		line, err := pr.ReadLine()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return
		}
		err = c.execute(ctx, line)
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			pr.ErrPrintln("error:", describeError(err))
		}
	}
}

// runConsole запускает клиент и консоль под менеджером жизненного цикла:
// узел console зависит от client и останавливается первым.
func runConsole(ctx context.Context, cfg config.ClientEnv) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	log := logger.Logger()
	mgr := lifecycle.New(ctx, log)
	quit := make(chan struct{})

	waiterDone := make(chan error, 1)
	startClient := func(ctx context.Context) (context.Context, error) {
		ready := make(chan struct{})
		go func() {
			waiterDone <- a.waiter.Run(ctx, func(ctx context.Context) error {
				close(ready)
				<-ctx.Done()
				return nil
			})
		}()
		select {
		case <-ready:
		case err := <-waiterDone:
			return nil, err
		}
		if err := a.client.Start(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	stopClient := func(context.Context) error {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		err := a.client.Stop(stopCtx)
		if werr := <-waiterDone; werr != nil && !errors.Is(werr, context.Canceled) {
			err = errors.Join(err, werr)
		}
		return err
	}

	consoleDone := make(chan struct{})
	startConsole := func(ctx context.Context) (context.Context, error) {
		if err := pr.Open("mt> ", commands); err != nil {
			return nil, err
		}
		logger.SetWriters(pr.Stdout(), pr.Stderr())
		if !pr.IsTerminal() {
			log.Debug("stdin is not a terminal, reading commands line by line")
		}
		reg := a.client.On(dispatch.Any(), func(_ context.Context, ev *dispatch.Event) error {
			pr.Println(formatEvent(ev))
			return nil
		})
		con := &console{b: a.client, out: pr.Stdout()}
		go func() {
			defer close(consoleDone)
			defer a.client.Off(reg)
			con.loop(ctx)
			close(quit)
		}()
		return nil, nil
	}
	stopConsole := func(context.Context) error {
		pr.Interrupt()
		<-consoleDone
		pr.Close()
		logger.SetWriters(pr.Stdout(), pr.Stderr())
		return nil
	}

	if err := mgr.Register("client", "", nil, startClient, stopClient); err != nil {
		return err
	}
	if err := mgr.Register("console", "client", nil, startConsole, stopConsole); err != nil {
		return err
	}
	if err := mgr.StartAll(); err != nil {
		return errors.Join(err, mgr.Shutdown())
	}

	var cause error
	select {
	case <-ctx.Done():
		log.Info("interrupted")
	case <-quit:
	case <-a.client.Done():
		cause = a.client.Err()
		log.Warn("client stopped", zap.Error(cause))
	}
	return errors.Join(cause, mgr.Shutdown())
}
