package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Gateway opcodes used by the session.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Gateway keeps a live websocket session with Discord so the bot is shown
// online. Message delivery stays on REST; the session only identifies and
// answers heartbeats.
type Gateway struct {
	rest    *Client
	logger  *logrus.Logger
	backoff time.Duration
	seq     atomic.Int64
}

func NewGateway(rest *Client, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gateway{rest: rest, logger: logger, backoff: 5 * time.Second}
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type gatewayInfo struct {
	URL string `json:"url"`
}

// Run keeps the session alive until ctx is cancelled, reconnecting with a
// fixed backoff after any failure.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		if err := g.runSession(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.WithError(err).Warn("gateway session ended, reconnecting")
		}
		if err := waitWithContext(ctx, g.backoff); err != nil {
			return nil
		}
	}
}

func (g *Gateway) runSession(ctx context.Context) error {
	var info gatewayInfo
	if err := g.rest.doJSON(ctx, http.MethodGet, "/gateway/bot", nil, &info); err != nil {
		return fmt.Errorf("resolve gateway url: %w", err)
	}
	if info.URL == "" {
		return fmt.Errorf("gateway url missing from response")
	}

	conn, _, err := websocket.Dial(ctx, info.URL+"?v=10&encoding=json", nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	conn.SetReadLimit(1 << 20)

	var hello gatewayPayload
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloD helloData
	if err := json.Unmarshal(hello.D, &helloD); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	if helloD.HeartbeatInterval <= 0 {
		return fmt.Errorf("bad heartbeat interval %d", helloD.HeartbeatInterval)
	}

	identify, err := json.Marshal(identifyData{
		Token:   g.rest.token,
		Intents: 0,
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "pagebridge",
			Device:  "pagebridge",
		},
	})
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, gatewayPayload{Op: opIdentify, D: identify}); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatErr := make(chan error, 1)
	go func() {
		heartbeatErr <- g.heartbeatLoop(sessionCtx, conn, time.Duration(helloD.HeartbeatInterval)*time.Millisecond)
	}()

	for {
		select {
		case err := <-heartbeatErr:
			return err
		default:
		}
		var payload gatewayPayload
		if err := wsjson.Read(sessionCtx, conn, &payload); err != nil {
			return fmt.Errorf("read gateway payload: %w", err)
		}
		if payload.S != nil {
			g.seq.Store(*payload.S)
		}
		switch payload.Op {
		case opDispatch:
			if payload.T == "READY" {
				g.logger.Info("gateway session ready")
			}
		case opHeartbeat:
			if err := g.sendHeartbeat(sessionCtx, conn); err != nil {
				return err
			}
		case opHeartbeatACK:
			// Nothing to do.
		case opReconnect, opInvalidSession:
			return fmt.Errorf("gateway requested reconnect (op %d)", payload.Op)
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.sendHeartbeat(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (g *Gateway) sendHeartbeat(ctx context.Context, conn *websocket.Conn) error {
	seq := g.seq.Load()
	var d json.RawMessage
	if seq > 0 {
		d = json.RawMessage(fmt.Sprintf("%d", seq))
	} else {
		d = json.RawMessage("null")
	}
	return wsjson.Write(ctx, conn, gatewayPayload{Op: opHeartbeat, D: d})
}
