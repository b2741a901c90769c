package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mahaj/garage-relay/pkg/auth"
	"github.com/mahaj/garage-relay/pkg/connector"
	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type loginResponse struct {
	Token string `json:"token"`
}

func login(apiAddr, userID string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", string(body))
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// token picks an explicit token, then a locally minted one, then the api.
func token(explicit, secret, apiAddr, userID string) (string, error) {
	switch {
	case explicit != "":
		return explicit, nil
	case secret != "":
		ids, err := auth.NewJWTIdentity(secret, 24*time.Hour)
		if err != nil {
			return "", err
		}
		return ids.GenerateToken(userID)
	default:
		return login(apiAddr, userID)
	}
}

func main() {
	serverAddr := pflag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := pflag.String("api", "http://localhost:8081", "api service address used for login")
	userID := pflag.String("user", "user1", "user id")
	tok := pflag.String("token", "", "bearer token; skips login")
	secret := pflag.String("secret", "", "mint a dev token locally with this JWT secret")
	convs := pflag.StringSlice("conversation", []string{"general"}, "conversations to join; the first is where plain lines go")
	verbose := pflag.Bool("verbose", false, "log connector internals to stderr")
	pflag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	t, err := token(*tok, *secret, *apiAddr, *userID)
	if err != nil {
		logger.Fatal().Err(err).Msg("no token")
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	c, err := connector.New(connector.Config{
		URL:     u.String(),
		UserID:  *userID,
		Token:   t,
		Backoff: connector.Backoff{Base: 500 * time.Millisecond, Cap: 5, Jitter: 0.2},
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("connector")
	}

	out := &printer{w: os.Stdout, self: *userID}
	out.register(c)

	for _, conv := range *convs {
		_ = c.Join(conv)
	}
	current := ""
	if len(*convs) > 0 {
		current = (*convs)[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := c.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start")
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.Close()
			return
		case line, ok := <-lines:
			if !ok {
				_ = c.Close()
				return
			}
			cmd := parseCommand(line)
			if cmd.name == "quit" {
				_ = c.Close()
				return
			}
			next, err := cmd.apply(c, current)
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
				continue
			}
			current = next
		}
	}
}

type command struct {
	name string
	arg  string
}

func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", arg: line}
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return command{name: name, arg: strings.TrimSpace(arg)}
}

// session is what commands drive; *connector.Connector satisfies it.
type session interface {
	Join(conversationID string) error
	Leave(conversationID string) error
	Send(conversationID, text string) error
	Typing(conversationID string, typing bool) error
	MarkRead(conversationID string, messageID int64) error
	SetStatus(status model.PresenceStatus) error
}

// apply runs the command and returns the conversation plain lines go to next.
func (cmd command) apply(s session, current string) (string, error) {
	switch cmd.name {
	case "say":
		if cmd.arg == "" {
			return current, nil
		}
		if current == "" {
			return current, fmt.Errorf("join a conversation first")
		}
		return current, s.Send(current, cmd.arg)
	case "join":
		if cmd.arg == "" {
			return current, fmt.Errorf("usage: /join <conversation>")
		}
		return cmd.arg, s.Join(cmd.arg)
	case "leave":
		target := cmd.arg
		if target == "" {
			target = current
		}
		if err := s.Leave(target); err != nil {
			return current, err
		}
		if target == current {
			return "", nil
		}
		return current, nil
	case "typing":
		return current, s.Typing(current, true)
	case "stop":
		return current, s.Typing(current, false)
	case "read":
		var id int64
		if _, err := fmt.Sscan(cmd.arg, &id); err != nil {
			return current, fmt.Errorf("usage: /read <message id>")
		}
		return current, s.MarkRead(current, id)
	case "status":
		st := model.PresenceStatus(cmd.arg)
		if !st.Settable() {
			return current, fmt.Errorf("usage: /status online|away|busy")
		}
		return current, s.SetStatus(st)
	}
	return current, fmt.Errorf("unknown command /%s", cmd.name)
}

type printer struct {
	w    io.Writer
	self string
}

func (p *printer) register(c *connector.Connector) {
	c.OnState(func(s connector.State) { fmt.Fprintf(p.w, "* %s\n", s) })
	c.On(wire.TypeMessage, p.message)
	c.On(wire.TypeTypingStart, p.typing)
	c.On(wire.TypeUserStatus, p.status)
	c.On(wire.TypeMessageRead, p.read)
	c.On(wire.TypeError, p.failure)
}

func (p *printer) message(ev connector.Event) {
	var env model.Envelope
	if json.Unmarshal(ev.Data, &env) != nil {
		return
	}
	who := env.SenderID
	if ev.Local {
		who = "you"
	}
	fmt.Fprintf(p.w, "[%s] %s: %s\n", env.ConversationID, who, env.Payload)
}

func (p *printer) typing(ev connector.Event) {
	var t wire.Typing
	if json.Unmarshal(ev.Data, &t) == nil {
		fmt.Fprintf(p.w, "[%s] %s is typing...\n", t.ConversationID, t.UserID)
	}
}

func (p *printer) status(ev connector.Event) {
	var s wire.UserStatus
	if json.Unmarshal(ev.Data, &s) == nil && s.UserID != p.self {
		fmt.Fprintf(p.w, "* %s is %s\n", s.UserID, s.Status)
	}
}

func (p *printer) read(ev connector.Event) {
	var r wire.MessageRead
	if json.Unmarshal(ev.Data, &r) == nil {
		fmt.Fprintf(p.w, "[%s] %s read up to %d\n", r.ConversationID, r.UserID, r.MessageID)
	}
}

func (p *printer) failure(ev connector.Event) {
	var e wire.ErrorData
	if json.Unmarshal(ev.Data, &e) == nil {
		fmt.Fprintf(p.w, "! %s: %s\n", e.Code, e.Message)
	}
}
