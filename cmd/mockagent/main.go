// Command mockagent is a reference Agent-population client (SPEC_FULL
// §13, the Mock agent type): it connects to /ws/agent, executes
// COMMAND_REQUEST via sh -c like a real shell-executing agent would,
// and streams TERMINAL_OUTPUT / a synthetic TRACE_EVENT / COMMAND_COMPLETE
// back.
//
// Grounded on fluxforge/agent's executor.go exit-code extraction idiom
// (exec.Command("sh", "-c", ...) + syscall.WaitStatus) and main.go's
// registration-retry-with-backoff + signal-driven shutdown shape, ported
// from HTTP polling to a persistent WebSocket connection.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentbridge/conductor/auth"
	"github.com/agentbridge/conductor/protocol"
)

func main() {
	serverAddr := flag.String("server", "localhost:8080", "control plane host:port")
	agentID := flag.String("agent-id", "", "agent id (default: random)")
	token := flag.String("token", "", "bearer access token (default: mints a dev token)")
	jwtSecret := flag.String("jwt-secret", "", "JWT secret to mint a dev token with, if -token is unset")
	flag.Parse()

	if *agentID == "" {
		*agentID = "mock-" + uuid.NewString()[:8]
	}

	accessToken := *token
	if accessToken == "" {
		verifier, err := auth.NewVerifier(*jwtSecret)
		if err != nil {
			log.Fatalf("mockagent: %v", err)
		}
		accessToken, err = verifier.GenerateAccessToken(*agentID, *agentID+"@mock.local", "agent")
		if err != nil {
			log.Fatalf("mockagent: mint dev token: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("mockagent: shutdown signal received")
		cancel()
	}()

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws/agent"}
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for ctx.Err() == nil {
		if err := runOnce(ctx, u, *agentID, accessToken); err != nil {
			log.Printf("mockagent: connection lost: %v (retrying in %s)", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func runOnce(ctx context.Context, u url.URL, agentID, accessToken string) error {
	q := u.Query()
	q.Set("token", accessToken)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	connect, err := protocol.NewEnvelope(protocol.TypeAgentConnect, protocol.AgentConnectPayload{
		AgentID: agentID, AgentType: "Mock", Version: "1.0.0",
		Capabilities: []string{"shell"},
	})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(connect); err != nil {
		return err
	}
	log.Printf("mockagent: connected as %s", agentID)

	conn.SetPongHandler(func(string) error { return nil })
	var writeMu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		_ = conn.Close()
	}()
	go heartbeatLoop(ctx, conn, &writeMu)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeCommandRequest:
			var p protocol.CommandRequestPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				go executeCommand(conn, &writeMu, p)
			}
		case protocol.TypeCommandCancel:
			// Mock agent runs commands to completion; cancellation of an
			// already-dispatched shell command is not modeled here.
		case protocol.TypeAgentControl:
			var p protocol.AgentControlPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.Action == "Stop" {
				return nil
			}
		}
	}
}

func heartbeatLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.TypeAgentHeartbeat, protocol.AgentHeartbeatPayload{})
			if err != nil {
				continue
			}
			writeMu.Lock()
			err = conn.WriteJSON(env)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// executeCommand runs the command via sh -c, streaming a trace event
// and terminal output before reporting completion. gorilla/websocket
// forbids concurrent writers on one connection, so every send here and
// in heartbeatLoop goes through the shared writeMu.
func executeCommand(conn *websocket.Conn, writeMu *sync.Mutex, p protocol.CommandRequestPayload) {
	traceID := uuid.NewString()
	startedAt := time.Now()

	send(conn, writeMu, protocol.TypeCommandAck, protocol.CommandAckPayload{CommandID: p.CommandID, Status: "Executing"})

	send(conn, writeMu, protocol.TypeTraceEvent, protocol.TraceEventPayload{
		TraceID: traceID, CommandID: p.CommandID, Type: "ToolCall", Name: "shell.exec",
		Content:   map[string]any{"command": p.Content},
		StartedAt: startedAt.UnixMilli(),
	})

	cmd := exec.Command("sh", "-c", p.Content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	completedAt := time.Now()
	exitCode := 0
	status := "Completed"
	errMsg := ""

	if runErr != nil {
		status = "Failed"
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = ws.ExitStatus()
			} else {
				exitCode = 1
			}
		} else {
			exitCode = 1
		}
		errMsg = runErr.Error()
	}

	if stdout.Len() > 0 {
		send(conn, writeMu, protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{
			CommandID: p.CommandID, StreamType: "stdout", Content: stdout.String(),
		})
	}
	if stderr.Len() > 0 {
		send(conn, writeMu, protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{
			CommandID: p.CommandID, StreamType: "stderr", Content: stderr.String(),
		})
	}

	completedMs := completedAt.UnixMilli()
	send(conn, writeMu, protocol.TypeTraceEvent, protocol.TraceEventPayload{
		TraceID: uuid.NewString(), CommandID: p.CommandID, ParentID: &traceID, Type: "Response",
		Name: "shell.result", StartedAt: startedAt.UnixMilli(), CompletedAt: &completedMs,
	})

	send(conn, writeMu, protocol.TypeCommandComplete, protocol.CommandCompletePayload{
		CommandID: p.CommandID, Status: status,
		ExecutionTime: completedAt.Sub(startedAt).Milliseconds(),
		ExitCode:      &exitCode, Error: errMsg,
	})
}

func send(conn *websocket.Conn, writeMu *sync.Mutex, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		log.Printf("mockagent: encode %s: %v", msgType, err)
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("mockagent: send %s: %v", msgType, err)
	}
}
