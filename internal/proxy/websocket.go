package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tinkertools/proxygate/internal/platform/appctx"
	"github.com/tinkertools/proxygate/internal/registry"
)

// wsCloseGrace bounds the close-frame write when tearing a leg down.
const wsCloseGrace = 5 * time.Second

// ProxyWebSocket completes the upstream websocket handshake, upgrades the
// client connection with the negotiated subprotocol, and relays frames in
// both directions until either side closes or ctx is done. It owns the
// ResponseWriter after a successful upgrade.
func (d *Dispatcher) ProxyWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, preq *Request, inst *registry.Instance) *Error {
	target := cloneURL(preq.Target)
	normalizeWSScheme(target)

	pin, perr := d.policy.AuthorizeTarget(ctx, inst, target.Hostname())
	if perr != nil {
		return perr
	}
	dialCtx := withPinnedAddr(ctx, pin)

	headers, hostOverride := BuildUpstreamHeaders(r, preq.HeaderOverrides)
	// The dialer generates its own handshake headers.
	for _, name := range []string{
		"Sec-Websocket-Key", "Sec-Websocket-Version",
		"Sec-Websocket-Extensions", "Sec-Websocket-Protocol",
	} {
		headers.Del(name)
	}
	if hostOverride != "" {
		headers.Set("Host", hostOverride)
	}

	dialer := &websocket.Dialer{
		NetDialContext:   d.dialPinned,
		TLSClientConfig:  d.tlsSel.ClientConfig(preq.SkipTLS, target.Hostname()),
		Subprotocols:     websocket.Subprotocols(r),
		HandshakeTimeout: d.connectTimeout,
	}

	upstream, upResp, err := dialer.DialContext(dialCtx, target.String(), headers)
	if err != nil {
		if upResp != nil {
			return Wrap(KindUpstreamUnreachable,
				"upstream refused websocket handshake", err)
		}
		return classifyTransportError(err)
	}
	defer upstream.Close()
	if upResp != nil && upResp.Body != nil {
		upResp.Body.Close()
	}

	upgrader := websocket.Upgrader{
		// Instance policy already admitted this client.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	respHeader := http.Header{}
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader.Set("Sec-Websocket-Protocol", proto)
	}
	client, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade already wrote its own error response.
		return Wrap(KindClientAborted, "client websocket upgrade failed", err)
	}
	defer client.Close()

	log := appctx.GetLogger(ctx)
	log.Debug("websocket established", "target", target.Redacted(), "subprotocol", upstream.Subprotocol())

	// Both pumps must end before the request finishes; they share only the
	// context. Closing both conns on ctx done unblocks pending reads.
	g, relayCtx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(relayCtx, func() {
		upstream.Close()
		client.Close()
	})
	defer stop()

	g.Go(func() error { return pumpFrames(client, upstream) })
	g.Go(func() error { return pumpFrames(upstream, client) })

	if err := g.Wait(); err != nil && !isExpectedClose(err) {
		log.Debug("websocket relay ended", "error", err)
	}
	return nil
}

// pumpFrames relays data frames from src to dst until src closes, forwarding
// ping, pong and close control frames as they arrive.
func pumpFrames(dst, src *websocket.Conn) error {
	src.SetPingHandler(func(appData string) error {
		return dst.WriteControl(websocket.PingMessage, []byte(appData), time.Now().Add(wsCloseGrace))
	})
	src.SetPongHandler(func(appData string) error {
		return dst.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsCloseGrace))
	})

	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			// Propagate the close status verbatim when the peer sent one.
			code := websocket.CloseAbnormalClosure
			text := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				text = ce.Text
			}
			msg := websocket.FormatCloseMessage(code, text)
			dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
			return err
		}
		if err := dst.WriteMessage(msgType, payload); err != nil {
			return err
		}
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// normalizeWSScheme maps HTTP schemes onto their websocket equivalents.
func normalizeWSScheme(u *url.URL) {
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
}
