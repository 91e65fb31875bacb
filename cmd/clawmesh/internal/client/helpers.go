package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// clientCmd runs an interactive session against a gateway: authenticate,
// print every server frame as it arrives, and turn input lines into
// user_prompt frames. Slash commands cover the rest of the protocol.
func clientCmd(url, userID, agentID, sessionID string) error {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"user_id": userID, "type": "user"}); err != nil {
		return fmt.Errorf("sending auth frame: %w", err)
	}

	done := make(chan struct{})
	go printFrames(conn, done)

	rl, err := readline.New("> ")
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("Connected to %s as %s (agent %s, session %s)\n", url, userID, agentID, sessionID)
	fmt.Println("Type a prompt, or /ping, /subscribe <agent>, /unsubscribe <agent>, /quit")

	for {
		select {
		case <-done:
			fmt.Println("Connection closed by server")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		frame, quit := buildFrame(line, userID, agentID, sessionID)
		if quit {
			return nil
		}
		if frame == nil {
			continue
		}
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("sending frame: %w", err)
		}
	}
}

func buildFrame(line, userID, agentID, sessionID string) (map[string]string, bool) {
	if !strings.HasPrefix(line, "/") {
		return map[string]string{
			"type":       "user_prompt",
			"user_id":    userID,
			"agent_id":   agentID,
			"content":    line,
			"session_id": sessionID,
		}, false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return nil, true
	case "/ping":
		return map[string]string{"type": "ping"}, false
	case "/subscribe":
		if arg == "" {
			fmt.Println("usage: /subscribe <agent_id>")
			return nil, false
		}
		return map[string]string{"type": "subscribe", "agent_id": arg}, false
	case "/unsubscribe":
		if arg == "" {
			fmt.Println("usage: /unsubscribe <agent_id>")
			return nil, false
		}
		return map[string]string{"type": "unsubscribe", "agent_id": arg}, false
	default:
		fmt.Printf("unknown command %s\n", cmd)
		return nil, false
	}
}

func printFrames(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			fmt.Printf("<< %s\n", data)
			continue
		}
		switch frame["type"] {
		case "agent_response":
			fmt.Printf("[%v] %v\n", frame["agent_id"], frame["content"])
		case "error":
			fmt.Printf("error: %v\n", frame["message"])
		case "notification":
			fmt.Printf("notification: %v\n", frame["content"])
		default:
			fmt.Printf("<< %s\n", data)
		}
	}
}
