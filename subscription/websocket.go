package subscription

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// Close codes sent by the event gateway when it ends a stream on purpose.
const (
	StatusIdentitySwitch websocket.StatusCode = 4001
	StatusScopeSwitch    websocket.StatusCode = 4002
	StatusUnauthorized   websocket.StatusCode = 4003
)

// WebSocketTransport reads board events from a WebSocket gateway.
type WebSocketTransport struct {
	url        string
	retryDelay time.Duration
	logger     *log.Entry
}

func NewWebSocketTransport(rawURL string, retryDelay time.Duration, logger *log.Entry) *WebSocketTransport {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &WebSocketTransport{url: rawURL, retryDelay: retryDelay, logger: logger}
}

func (t *WebSocketTransport) endpoint(target Target) (string, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("boardId", target.BoardID)
	q.Set("scopeId", target.ScopeID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *WebSocketTransport) dial(ctx context.Context, target Target) (*websocket.Conn, error) {
	endpoint, err := t.endpoint(target)
	if err != nil {
		return nil, &domain.SubscriptionError{Reason: domain.ReasonTransport, BoardID: target.BoardID, Err: err}
	}
	opts := &websocket.DialOptions{}
	if target.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + target.Token}}
	}
	conn, resp, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		reason := domain.ReasonTransport
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			reason = domain.ReasonUnauthorized
		}
		return nil, &domain.SubscriptionError{Reason: reason, BoardID: target.BoardID, Err: err}
	}
	return conn, nil
}

// Subscribe dials the gateway and reads frames until unsubscribe is called.
// Streams closed for an identity transition or authorization failure are
// not redialled; the client resubscribes once a new identity is ready.
func (t *WebSocketTransport) Subscribe(ctx context.Context, target Target, onEvent func(domain.ChangeEvent), onError func(error)) (func(), error) {
	conn, err := t.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			err := t.read(ctx, conn, target.BoardID, onEvent, onError)
			_ = conn.CloseNow()
			if ctx.Err() != nil {
				return
			}
			onError(err)
			var se *domain.SubscriptionError
			if errors.As(err, &se) && (se.Reason.IdentityTransition() || se.Reason == domain.ReasonUnauthorized) {
				return
			}
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(t.retryDelay):
				}
				conn, err = t.dial(ctx, target)
				if err == nil {
					break
				}
				if ctx.Err() != nil {
					return
				}
				t.logger.WithError(err).WithField("board", target.BoardID).Debug("redial failed")
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (t *WebSocketTransport) read(ctx context.Context, conn *websocket.Conn, boardID string, onEvent func(domain.ChangeEvent), onError func(error)) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return &domain.SubscriptionError{Reason: reasonForClose(websocket.CloseStatus(err)), BoardID: boardID, Err: err}
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, err := domain.DecodeFrame(data)
		if err != nil {
			onError(err)
			continue
		}
		if ev.BoardID == "" {
			ev.BoardID = boardID
		}
		onEvent(ev)
	}
}

func reasonForClose(code websocket.StatusCode) domain.SubscriptionReason {
	switch code {
	case StatusIdentitySwitch:
		return domain.ReasonIdentitySwitch
	case StatusScopeSwitch:
		return domain.ReasonScopeSwitch
	case StatusUnauthorized, websocket.StatusPolicyViolation:
		return domain.ReasonUnauthorized
	default:
		return domain.ReasonTransport
	}
}
