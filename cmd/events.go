package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/twinclawhq/twinclaw/internal/config"
	"github.com/twinclawhq/twinclaw/pkg/protocol"
)

const dialTimeout = 10 * time.Second

// eventsCmd tails the hub WebSocket and prints one envelope per line, so the
// stream can be piped straight into jq. Status chatter goes to stderr.
func eventsCmd() *cobra.Command {
	var (
		url    string
		token  string
		topics string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail runtime events from the hub WebSocket",
		Long: `Connects to the runtime's WebSocket hub, subscribes to the given topics,
and prints each event envelope as a JSON line on stdout. Ctrl-C detaches
cleanly. Valid topics: ` + strings.Join(protocol.Topics(), ", ") + `.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if token == "" {
				token = cfg.Server.HubToken
			}
			if token == "" {
				return fmt.Errorf("hub token required (set TWINCLAW_HUB_TOKEN or --token)")
			}
			if url == "" {
				url = fmt.Sprintf("ws://%s:%d/ws", dialHost(cfg.Server.Host), cfg.Server.Port)
			}
			subs, err := splitTopics(topics)
			if err != nil {
				return err
			}
			return tailEvents(cmd.Context(), url, token, subs)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "hub WebSocket URL (default ws://<host>:<port>/ws from config)")
	cmd.Flags().StringVar(&token, "token", "", "hub token (default $TWINCLAW_HUB_TOKEN)")
	cmd.Flags().StringVar(&topics, "topics", protocol.TopicHealth+","+protocol.TopicReliability, "comma-separated topics to subscribe to")
	return cmd
}

// dialHost maps wildcard listen addresses to loopback so the default URL is
// dialable.
func dialHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

func splitTopics(csv string) ([]string, error) {
	var out []string
	for _, t := range strings.Split(csv, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !protocol.ValidTopic(t) {
			return nil, fmt.Errorf("unknown topic %q (valid: %s)", t, strings.Join(protocol.Topics(), ", "))
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no topics given")
	}
	return out, nil
}

func tailEvents(parent context.Context, url, token string, topics []string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusInternalError, "tail aborted")
	// Snapshot payloads can outgrow the library's 32 KiB default.
	conn.SetReadLimit(1 << 20)

	if err := writeFrame(ctx, conn, protocol.AuthFrame{Type: protocol.FrameAuth, Token: token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := writeFrame(ctx, conn, protocol.SubscribeFrame{Type: protocol.FrameSubscribe, Topics: topics}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				fmt.Fprintln(os.Stderr, "detached")
				return nil
			}
			return closeReason(err)
		}

		var f protocol.ControlFrame
		if err := json.Unmarshal(data, &f); err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed frame: %v\n", err)
			continue
		}
		switch f.Type {
		case protocol.FrameAuthOK:
			fmt.Fprintf(os.Stderr, "connected to %s, subscribing to %s\n", url, strings.Join(topics, ", "))
		case protocol.FrameSubscribed:
			fmt.Fprintln(os.Stderr, "subscribed")
		case protocol.FramePing:
			pong, _ := json.Marshal(protocol.PingFrame{Type: protocol.FramePong})
			if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		case protocol.FramePong:
			// Server answering our liveness probe; nothing to print.
		case protocol.FrameEvent, protocol.FrameSnapshot:
			fmt.Println(string(data))
		case protocol.FrameError:
			var ef protocol.ErrorFrame
			if json.Unmarshal(data, &ef) == nil {
				return fmt.Errorf("hub error %d: %s", ef.Code, ef.Message)
			}
			return fmt.Errorf("hub error: %s", string(data))
		default:
			fmt.Fprintf(os.Stderr, "skipping unknown frame type %q\n", f.Type)
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame any) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

// closeReason turns a read error into something actionable: auth and
// subscription rejections carry application close codes.
func closeReason(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		fmt.Fprintln(os.Stderr, "hub closed the connection")
		return nil
	case websocket.StatusCode(protocol.CloseAuthFailed):
		return errors.New("hub rejected the token (4001); check TWINCLAW_HUB_TOKEN")
	case websocket.StatusCode(protocol.CloseAuthRequired):
		return errors.New("hub closed the connection before auth completed (4002)")
	case websocket.StatusCode(protocol.CloseInvalidSub):
		return errors.New("hub rejected the subscription (4003)")
	case websocket.StatusCode(protocol.CloseServerShutdown):
		fmt.Fprintln(os.Stderr, "hub is shutting down")
		return nil
	}
	return fmt.Errorf("read: %w", err)
}
