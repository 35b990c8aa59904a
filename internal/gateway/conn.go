package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Ghostmonday/synapse-gateway/internal/admission"
	"github.com/Ghostmonday/synapse-gateway/internal/domain"
	"github.com/Ghostmonday/synapse-gateway/internal/hub"
	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

const defaultProtocolVersion = 1

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket authenticates the request, applies the connect
// ceiling and hands the socket to the read/write pumps.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// The IP ceiling gates the attempt before any token work: an
	// invalid-credential flood must not get free validation passes.
	ip := remoteIP(r)
	if dec := g.limiter.Allow(r.Context(), ip, "", admission.ClassConnect); !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter.Seconds())+1))
		http.Error(w, "connect rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}

	claims, err := g.auth.Validate(token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if dec := g.limiter.Allow(r.Context(), "", claims.UserID, admission.ClassConnect); !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter.Seconds())+1))
		http.Error(w, "connect rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	version := defaultProtocolVersion
	if v, err := strconv.Atoi(r.Header.Get("X-Protocol-Version")); err == nil && v > 0 {
		version = v
	} else if v, err := strconv.Atoi(r.URL.Query().Get("v")); err == nil && v > 0 {
		version = v
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.L().Warn().Err(err).Str(log.FieldRemoteIP, ip).Msg("websocket upgrade failed")
		return
	}

	sess := domain.NewSession(uuid.New().String(), claims.UserID, claims.Username, ip, version)
	client := hub.NewClient(sess, g.cfg.SendQueueSize)
	g.registry.Register(client)

	log.L().Info().
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldUserID, sess.UserID).
		Str(log.FieldRemoteIP, ip).
		Msg("session connected")

	if g.presence != nil {
		g.presence.MarkOnline(context.Background(), claims.UserID)
	}

	go g.writePump(conn, client)
	go g.readPump(conn, client)
}

func (g *Gateway) readPump(conn *websocket.Conn, c *hub.Client) {
	defer g.disconnect(conn, c)

	conn.SetReadLimit(g.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait()))
	conn.SetPongHandler(func(string) error {
		c.Session.MarkPong()
		return conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait()))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.L().Debug().Err(err).Str(log.FieldSessionID, c.ID).Msg("read pump closed")
			}
			return
		}
		g.HandleFrame(context.Background(), c, frame)
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, c *hub.Client) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	var reported uint64
	for {
		select {
		case frame := <-c.Outbound():
			conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			// Queue-overflow drops are reported out of band so the
			// report itself cannot be lost to the full queue.
			if d := c.Dropped(); d > reported {
				g.reportDropped(conn, c, d-reported)
				reported = d
			}

		case <-c.Done():
			conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (g *Gateway) reportDropped(conn *websocket.Conn, c *hub.Client, n uint64) {
	payload, _ := json.Marshal(struct {
		Code    string `json:"code"`
		Message string `json:"msg"`
		Dropped uint64 `json:"dropped"`
	}{domain.ErrCodeSlowConsumer, "frames dropped: outbound queue overflow", n})
	env := &domain.Envelope{Type: domain.TypeError, Payload: payload}

	frame, err := g.codec.Encode(env)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err == nil {
		log.L().Warn().
			Str(log.FieldSessionID, c.ID).
			Uint64("dropped", n).
			Msg("reported dropped frames to slow consumer")
	}
}

// disconnect tears the session down exactly once: registry eviction,
// offline presence fan-out to every room the session held, and the
// advisory cross-node presence key.
func (g *Gateway) disconnect(conn *websocket.Conn, c *hub.Client) {
	affected := g.registry.Unregister(c)
	g.tracker.Offline(c.Session, affected)
	if g.presence != nil {
		g.presence.MarkOffline(context.Background(), c.Session.UserID)
	}
	conn.Close()

	log.L().Info().
		Str(log.FieldSessionID, c.ID).
		Str(log.FieldUserID, c.Session.UserID).
		Int("rooms", len(affected)).
		Uint64("dropped_total", c.Dropped()).
		Msg("session disconnected")
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
