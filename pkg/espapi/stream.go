package espapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// ResultStream is an open subscription to the results of one distributed query.
type ResultStream struct {
	conn    *websocket.Conn
	queryID string

	closeOnce sync.Once
	closeErr  error
}

// OpenResults dials the result websocket, subscribes to queryID and discards the server's
// acknowledgement frame.
func (c *Client) OpenResults(ctx context.Context, queryID string) (*ResultStream, error) {
	if queryID == "" {
		return nil, errors.New("espapi: query id is required")
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.timeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.insecure}, //nolint:gosec // ESP ships a self-signed certificate
	}

	conn, resp, err := dialer.DialContext(ctx, c.streamURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Op: "dial result stream", Err: err}
	}

	stream := &ResultStream{conn: conn, queryID: queryID}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(queryID)); err != nil {
		_ = stream.Close()
		return nil, stream.readErr(ctx, "subscribe", err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		_ = stream.Close()
		return nil, stream.readErr(ctx, "read acknowledgement", err)
	}
	return stream, nil
}

// Next blocks until the next result batch arrives or ctx is done. Cancelling ctx closes the
// stream.
func (s *ResultStream) Next(ctx context.Context) (ResultBatch, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return ResultBatch{}, s.readErr(ctx, "read results", err)
	}

	var batch ResultBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return ResultBatch{}, fmt.Errorf("%w: result frame: %v", ErrMalformedResponse, err)
	}
	return batch, nil
}

// Close sends a close frame and releases the connection.
func (s *ResultStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *ResultStream) readErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &TransportError{Op: op + " " + s.queryID, Err: err}
}
