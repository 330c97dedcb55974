package comm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fedflow/fedflow/config"
	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/internal/metrics"
	"github.com/fedflow/fedflow/session"
	"github.com/fedflow/fedflow/types"
)

// envelope is the wire frame for one tensor. The framing is deliberately
// minimal; anything richer belongs to the transport layer proper.
type envelope struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	DType graph.DType `json:"dtype"`
	Shape []int       `json:"shape"`
	Data  []float32   `json:"data"`
}

// WebSocketComm is the wire communicator for real two-party runs. One side
// listens, the other dials; afterwards the endpoints are symmetric.
type WebSocketComm struct {
	role      types.Role
	cfg       config.TransportConfig
	conn      *websocket.Conn
	inbox     *mailbox
	logger    *zap.Logger
	collector *metrics.Collector
	heartbeat *rate.Limiter

	group  *errgroup.Group
	cancel context.CancelFunc
}

var _ Communicator = (*WebSocketComm)(nil)

// WSListener accepts exactly one peer connection on a local address.
type WSListener struct {
	ln     net.Listener
	srv    *http.Server
	connCh chan *websocket.Conn
	errCh  chan error
}

// NewWSListener starts listening on localAddr (host:port; port 0 picks a
// free one).
func NewWSListener(localAddr string) (*WSListener, error) {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", localAddr, err)
	}
	l := &WSListener{
		ln:     ln,
		connCh: make(chan *websocket.Conn, 1),
		errCh:  make(chan error, 1),
	}
	l.srv = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			select {
			case l.errCh <- err:
			default:
			}
			return
		}
		select {
		case l.connCh <- c:
		default:
			_ = c.Close(websocket.StatusPolicyViolation, "peer already connected")
		}
	})}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

// Addr returns the bound address.
func (l *WSListener) Addr() string { return l.ln.Addr().String() }

// Accept waits for the peer and returns the connected communicator.
func (l *WSListener) Accept(ctx context.Context, role types.Role, cfg config.TransportConfig,
	logger *zap.Logger, collector *metrics.Collector) (*WebSocketComm, error) {
	select {
	case conn := <-l.connCh:
		return newWebSocketComm(role, conn, cfg, logger, collector), nil
	case err := <-l.errCh:
		return nil, fmt.Errorf("accept peer: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the listener. Accepted communicators stay open.
func (l *WSListener) Close() error {
	return l.srv.Close()
}

// DialWebSocket connects to the peer at peerAddr, retrying until the dial
// timeout elapses.
func DialWebSocket(ctx context.Context, role types.Role, peerAddr string,
	cfg config.TransportConfig, logger *zap.Logger, collector *metrics.Collector) (*WebSocketComm, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	retry := cfg.DialRetryInterval
	if retry <= 0 {
		retry = time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	url := "ws://" + peerAddr
	var lastErr error
	for {
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		if err == nil {
			return newWebSocketComm(role, conn, cfg, logger, collector), nil
		}
		lastErr = err
		select {
		case <-dialCtx.Done():
			return nil, fmt.Errorf("dial %s: %w (last: %v)", peerAddr, dialCtx.Err(), lastErr)
		case <-time.After(retry):
		}
	}
}

func newWebSocketComm(role types.Role, conn *websocket.Conn, cfg config.TransportConfig,
	logger *zap.Logger, collector *metrics.Collector) *WebSocketComm {
	if logger == nil {
		logger = zap.NewNop()
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 30 * time.Second
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	g, pumpCtx := errgroup.WithContext(pumpCtx)

	c := &WebSocketComm{
		role:      role,
		cfg:       cfg,
		conn:      conn,
		inbox:     newMailbox(),
		logger:    logger.With(zap.String("component", "ws_comm"), zap.String("role", string(role))),
		collector: collector,
		heartbeat: rate.NewLimiter(rate.Every(hb), 1),
		group:     g,
		cancel:    cancel,
	}
	g.Go(func() error { return c.readPump(pumpCtx) })
	return c
}

func (c *WebSocketComm) readPump(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.inbox.close()
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			c.logger.Warn("read pump stopped", zap.Error(err))
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		t, err := graph.FromSlice(env.Data, env.Shape...)
		if err != nil {
			c.logger.Warn("dropping frame with inconsistent shape",
				zap.String("name", env.Name), zap.Error(err))
			continue
		}
		c.collector.RecordMessage(DirectionReceived, len(data))
		if err := c.inbox.put(ctx, env.Name, t); err != nil {
			return err
		}
	}
}

// Role implements Communicator.
func (c *WebSocketComm) Role() types.Role { return c.role }

// Send implements Communicator.
func (c *WebSocketComm) Send(ctx context.Context, name string, t graph.Tensor) error {
	if c.inbox.isClosed() {
		return types.NewError(types.ErrCommClosed, "communicator closed")
	}
	env := envelope{
		ID:    uuid.NewString(),
		Name:  name,
		DType: graph.Float32,
		Shape: t.Shape,
		Data:  t.Data,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	c.collector.RecordMessage(DirectionSent, len(data))
	return nil
}

// Recv implements Communicator. A configured receive timeout bounds the
// wait; otherwise it blocks until the peer answers or ctx is cancelled.
func (c *WebSocketComm) Recv(ctx context.Context, name string, dt graph.DType) (graph.Tensor, error) {
	if c.cfg.RecvTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RecvTimeout)
		defer cancel()
	}
	t, err := c.inbox.take(ctx, name)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return graph.Tensor{}, types.Errorf(types.ErrRecvTimeout,
				"no %q from peer within %s", name, c.cfg.RecvTimeout).WithRetryable(true)
		}
		return graph.Tensor{}, err
	}
	return t, nil
}

// Hook implements Communicator: a closed-transport guard plus paced
// keepalive pings.
func (c *WebSocketComm) Hook() session.Hook {
	return session.HookFuncs{
		Before: func(ctx context.Context) error {
			if c.inbox.isClosed() {
				return types.NewError(types.ErrCommClosed, "communicator closed")
			}
			return nil
		},
		After: func(ctx context.Context) error {
			if c.heartbeat.Allow() {
				if err := c.conn.Ping(ctx); err != nil {
					c.logger.Warn("heartbeat ping failed", zap.Error(err))
				}
			}
			return nil
		},
	}
}

// Close implements Communicator.
func (c *WebSocketComm) Close() error {
	c.inbox.close()
	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	_ = c.group.Wait()
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
