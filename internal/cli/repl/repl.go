package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
	"github.com/gorilla/websocket"

	"github.com/openkoi/koi/internal/cli/command"
	httpclient "github.com/openkoi/koi/internal/cli/http"
	"github.com/openkoi/koi/internal/cli/state"
	pkgerrors "github.com/openkoi/koi/pkg/errors"
)

const promptText = "koi> "

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	commands     map[string]command.Command
	tokenState   *state.TokenState
	statePath    string
	historyPath  string
	prettyJSON   bool
	outputWriter *bufio.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, tokenState *state.TokenState, statePath, historyPath string, prettyJSON bool) *Session {
	return &Session{
		client:       client,
		commands:     commands,
		tokenState:   tokenState,
		statePath:    statePath,
		historyPath:  historyPath,
		prettyJSON:   prettyJSON,
		outputWriter: bufio.NewWriter(os.Stdout),
	}
}

func (s *Session) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          promptText,
		HistoryFile:     s.historyPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer func() { _ = rl.Close() }()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				s.printLine("bye")
				return nil
			}
			continue
		}
		if err == io.EOF {
			s.printLine("bye")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		exit, handled := s.handleSystemCommand(line)
		if exit {
			s.printLine("bye")
			return nil
		}
		if handled {
			continue
		}

		if err := s.handleCommand(ctx, rl, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

// handleSystemCommand returns (exit requested, line consumed).
func (s *Session) handleSystemCommand(line string) (bool, bool) {
	switch line {
	case "exit", "quit":
		return true, true
	case "help":
		s.printHelp()
		return false, true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return false, true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return false, true
	}
	return false, false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|token|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8080")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		if len(parts) < 2 {
			s.printLine("usage: set token <access_token>")
			return
		}
		s.tokenState.AccessToken = parts[1]
		if err := state.Save(s.statePath, *s.tokenState); err != nil {
			s.printLine("save token failed: %v", err)
			return
		}
		s.printLine("token updated")
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "token":
		if s.tokenState.AccessToken == "" {
			s.printLine("token: <empty>")
			return
		}
		token := s.tokenState.AccessToken
		if len(token) > 12 {
			token = token[:6] + "..." + token[len(token)-4:]
		}
		s.printLine("token: %s", token)
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("tokenStatePath: %s", s.statePath)
	default:
		s.printLine("usage: show token|config")
	}
}

func (s *Session) handleCommand(ctx context.Context, rl *readline.Instance, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	if tokens[0] == "watch" {
		return s.handleWatch(ctx, tokens[1:])
	}

	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	service := tokens[0]
	action := tokens[1]
	key := fmt.Sprintf("%s %s", service, action)
	cmd, ok := s.commands[key]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", service, action)
	}
	params, err := parseParams(tokens[2:])
	if err != nil {
		return err
	}

	if err := s.promptMissing(rl, cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	if cmd.RequiresAuth && s.tokenState.AccessExpired(time.Now()) {
		s.printLine("note: access token missing or expired, request may be rejected")
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	s.updateTokenFromResponse(cmd, resp.Body)
	return nil
}

func parseParams(tokens []string) (command.Params, error) {
	params := command.Params{}
	for _, token := range tokens {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}
	return params, nil
}

func (s *Session) promptMissing(rl *readline.Instance, cmd command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required {
			continue
		}
		if params.Get(field.Name) != "" {
			continue
		}
		value, err := s.promptValue(rl, field)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(rl *readline.Instance, field command.Field) (string, error) {
	prompt := field.Prompt + ": "
	if field.Secret {
		value, err := rl.ReadPassword(prompt)
		if err != nil {
			return "", fmt.Errorf("read input failed: %w", err)
		}
		return strings.TrimSpace(string(value)), nil
	}
	rl.SetPrompt(prompt)
	defer rl.SetPrompt(promptText)
	line, err := rl.Readline()
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// handleWatch streams live status updates for one submission over the
// websocket endpoint until the server closes the stream.
func (s *Session) handleWatch(ctx context.Context, args []string) error {
	id := ""
	for _, arg := range args {
		if strings.HasPrefix(arg, "id=") {
			id = strings.TrimPrefix(arg, "id=")
		} else if id == "" {
			id = arg
		}
	}
	if id == "" {
		return fmt.Errorf("usage: watch <submission_id>")
	}
	if _, err := command.ParseInt64(id); err != nil {
		return fmt.Errorf("invalid submission id: %s", id)
	}

	wsURL, err := s.watchURL(id)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	s.printLine("watching submission %s (ctrl-c to stop)", id)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.printLine("stream closed")
				return nil
			}
			if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code == 4001 {
				return fmt.Errorf("server rejected token, login again")
			}
			if ctx.Err() != nil {
				s.printLine("stream closed")
				return nil
			}
			return fmt.Errorf("read stream failed: %w", err)
		}
		s.renderPayload(payload)
	}
}

func (s *Session) watchURL(id string) (string, error) {
	base, err := url.Parse(s.client.BaseURL())
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	base.Path = "/ws/submissions/" + id
	query := url.Values{}
	if s.tokenState.AccessToken != "" {
		query.Set("token", s.tokenState.AccessToken)
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	s.renderPayload(resp.Body)
}

func (s *Session) renderPayload(body []byte) {
	if len(body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(body))
}

func (s *Session) updateTokenFromResponse(cmd command.Command, body []byte) {
	if cmd.Service != "auth" {
		return
	}
	type authData struct {
		AccessToken      string    `json:"access_token"`
		RefreshToken     string    `json:"refresh_token"`
		AccessExpiresAt  time.Time `json:"access_expires_at"`
		RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	}
	type respEnvelope struct {
		Code int      `json:"code"`
		Data authData `json:"data"`
	}
	var resp respEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	if resp.Code != int(pkgerrors.Success) {
		return
	}
	switch cmd.Action {
	case "login", "register", "refresh":
		if resp.Data.AccessToken != "" {
			s.tokenState.AccessToken = resp.Data.AccessToken
		}
		if resp.Data.RefreshToken != "" {
			s.tokenState.RefreshToken = resp.Data.RefreshToken
		}
		s.tokenState.AccessExpiresAt = resp.Data.AccessExpiresAt
		s.tokenState.RefreshExpiresAt = resp.Data.RefreshExpiresAt
		_ = state.Save(s.statePath, *s.tokenState)
	case "logout":
		s.tokenState.AccessToken = ""
		s.tokenState.RefreshToken = ""
		s.tokenState.AccessExpiresAt = time.Time{}
		s.tokenState.RefreshExpiresAt = time.Time{}
		_ = state.Clear(s.statePath)
	}
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout|token | show token|config")
	s.printLine("extra: watch <submission_id> streams live status updates")
	s.printLine("examples:")
	s.printLine("  auth register username=demo password=secret")
	s.printLine("  auth login username=demo password=secret")
	s.printLine("  submit create problem_id=1 language_id=1 file=./solution.py")
	s.printLine("  submit get id=42")
	s.printLine("  watch 42")
	s.printLine("  language list")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}
