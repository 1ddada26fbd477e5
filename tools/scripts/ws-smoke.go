// Package main provides a CI-friendly end-to-end smoke test for the botgate event channel.
//
// It validates:
//   - POST /api/connect hands out a room (socketId)
//   - handshake + subprotocol selection
//   - join_session / join_ack binding
//   - the pairing artifact is replayed to a late joiner
//   - connection_success when the driver completes pairing (-expect-open)
//   - DELETE /api/disconnect/{id} ends the session
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/Crazynotdev/Tts/contracts/events/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn
	room string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL    = flag.String("base", "http://127.0.0.1:3000", "HTTP base URL")
		wsURL      = flag.String("url", "ws://127.0.0.1:3000/ws", "WebSocket URL")
		origin     = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		number     = flag.String("number", "+15550000001", "Phone number to attach")
		expectOpen = flag.Bool("expect-open", false, "Wait for connection_success (needs BOTGATE_FAKE_AUTOPAIR)")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	http.DefaultClient.Timeout = *timeout

	room, id := mustAttach(*baseURL, *number)
	if *verbose {
		fmt.Printf("attached: id=%s room=%s\n", id, room)
	}

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	mustJoin(root, a, room, *timeout)

	pc := a.mustReadUntilType(root, v1.TypePairingCode, *timeout, nil)
	var p v1.PairingCodePayload
	if err := json.Unmarshal(pc.Payload, &p); err != nil {
		fatalf("unmarshal pairing_code payload: %v", err)
	}
	if strings.TrimSpace(p.Code) == "" || p.Number != id {
		fatalf("pairing_code mismatch: number=%q code=%q", p.Number, p.Code)
	}
	if *verbose {
		fmt.Printf("pairing: mode=%s code=%s expires=%s\n", p.Mode, p.RawCode, p.ExpiresAt.Format(time.RFC3339))
	}

	if *expectOpen {
		skip := map[string]struct{}{v1.TypeBotsUpdate: {}, v1.TypePairingCode: {}}
		a.mustReadUntilType(root, v1.TypeConnectionSuccess, *timeout, skip)
	}

	mustDisconnect(*baseURL, id)

	skip := map[string]struct{}{v1.TypeBotsUpdate: {}, v1.TypeConnectionSuccess: {}, v1.TypePairingCode: {}}
	lost := a.mustReadUntilType(root, v1.TypeConnectionLost, *timeout, skip)
	var lp v1.ConnectionLostPayload
	if err := json.Unmarshal(lost.Payload, &lp); err != nil {
		fatalf("unmarshal connection_lost payload: %v", err)
	}

	fmt.Printf("OK: id=%s room=%s reason=%s\n", id, room, lp.Reason)
}

func mustAttach(baseURL, number string) (room, id string) {
	body, _ := json.Marshal(map[string]string{"number": number})
	resp, err := http.Post(strings.TrimRight(baseURL, "/")+"/api/connect", "application/json", bytes.NewReader(body))
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Success  bool   `json:"success"`
		SocketID string `json:"socketId"`
		Number   string `json:"number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode connect response: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success || out.SocketID == "" {
		fatalf("connect failed: status=%d body=%+v", resp.StatusCode, out)
	}
	return out.SocketID, out.Number
}

func mustDisconnect(baseURL, id string) {
	req, err := http.NewRequest(http.MethodDelete, strings.TrimRight(baseURL, "/")+"/api/disconnect/"+url.PathEscape(id), nil)
	if err != nil {
		fatalf("disconnect request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("disconnect: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatalf("disconnect status=%d", resp.StatusCode)
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, room string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeJoinSession,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.JoinSessionPayload{SocketID: room}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeBotsUpdate: {}}
	ack := c.mustReadUntilType(parent, v1.TypeJoinAck, stepTimeout, skip)

	var p v1.JoinAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal join_ack payload (%s): %v", c.name, err)
	}
	if p.SocketID != room {
		fatalf("join_ack room mismatch (%s): got=%q want=%q", c.name, p.SocketID, room)
	}
	c.room = p.SocketID
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
