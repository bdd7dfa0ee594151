package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatsync/internal/chatclient"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/reconciler"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

const usage = `usage: chatcli [flags] <command> [args]

commands:
  login <email> <password>      print a token for CHAT_TOKEN
  list                          list conversations with unread counts
  open <conversation>           print history and follow new messages
  send <conversation> <text>    send a message
  direct <userId>               open a direct conversation

flags:
`

var errUsage = errors.New("invalid usage")

type cli struct {
	out    io.Writer
	client *chatclient.Client
	log    zerolog.Logger
}

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load env:", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("chatcli", flag.ExitOnError)
	serverURL := fs.String("server", config.Getenv("CHAT_SERVER", "http://localhost:8000"), "chat server base URL")
	token := fs.String("token", os.Getenv("CHAT_TOKEN"), "bearer token")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	c := &cli{
		out:    os.Stdout,
		client: chatclient.NewClient(*serverURL, nil),
		log:    logger,
	}
	c.client.SetToken(*token)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.run(ctx, fs.Args()); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "login":
		if len(rest) != 2 {
			return errUsage
		}
		return c.login(ctx, rest[0], rest[1])
	case "list":
		return c.list(ctx)
	case "open":
		if len(rest) != 1 {
			return errUsage
		}
		return c.open(ctx, rest[0])
	case "send":
		if len(rest) < 2 {
			return errUsage
		}
		return c.send(ctx, rest[0], strings.Join(rest[1:], " "))
	case "direct":
		if len(rest) != 1 {
			return errUsage
		}
		userId, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("user id: %w", err)
		}
		return c.direct(ctx, userId)
	default:
		return errUsage
	}
}

func (c *cli) login(ctx context.Context, email, password string) error {
	user, err := c.client.Login(ctx, email, password)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "logged in as %s (%d)\n", user.Username, user.Id)
	fmt.Fprintf(c.out, "export CHAT_TOKEN=%s\n", c.client.Token())
	return nil
}

func (c *cli) list(ctx context.Context) error {
	user, err := c.client.Session(ctx)
	if err != nil {
		return err
	}

	views, err := c.client.Conversations(ctx)
	if err != nil {
		return err
	}

	st := reconciler.ApplyConversationsSnapshot(reconciler.New(user.Id), views)
	for _, v := range st.Conversations {
		fmt.Fprintln(c.out, formatConversation(v, user.Id))
	}
	fmt.Fprintf(c.out, "%d unread\n", st.TotalUnread())

	return nil
}

func (c *cli) open(ctx context.Context, conversationId string) error {
	user, err := c.client.Session(ctx)
	if err != nil {
		return err
	}

	session := chatclient.NewSession(c.client, user.Id, c.log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Run(ctx)
	}()

	select {
	case <-session.Ready():
	case err := <-errCh:
		return err
	}

	if err := session.Select(conversationId); err != nil {
		return err
	}

	printed := map[string]bool{}
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case st := <-session.Updates():
			if st.OpenConversation != conversationId {
				continue
			}
			if st.Err != nil {
				return st.Err
			}
			for _, m := range st.Messages {
				if printed[m.Id] {
					continue
				}
				printed[m.Id] = true
				fmt.Fprintln(c.out, formatMessage(m))
			}
		}
	}
}

func (c *cli) send(ctx context.Context, conversationId, content string) error {
	msg, err := c.client.Send(ctx, conversationId, content)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.out, formatMessage(msg))
	return nil
}

func (c *cli) direct(ctx context.Context, userId int) error {
	conv, err := c.client.CreateDirect(ctx, userId)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.out, conv.Id)
	return nil
}

func formatConversation(v types.ConversationView, self int) string {
	name := v.Id
	if v.IsGroup() {
		name = fmt.Sprintf("%s [%s]", v.Id, v.Group.Name)
	} else if other, ok := v.OtherMember(self); ok {
		name = fmt.Sprintf("%s [user %d]", v.Id, other)
	}

	line := fmt.Sprintf("%-40s %3d unread", name, v.UnreadCount)
	if m := v.LatestMessage; m != nil {
		line += fmt.Sprintf("  %s %d: %s", m.CreatedAt.Local().Format(time.Kitchen), m.SenderId, m.Content)
	}

	return line
}

func formatMessage(m types.Message) string {
	return fmt.Sprintf("%s %d: %s", m.CreatedAt.Local().Format(time.Kitchen), m.SenderId, m.Content)
}
