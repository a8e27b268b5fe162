package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// ProtocolError is an error response to a DevTools command.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("devtools error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("devtools error %d: %s", e.Code, e.Message)
}

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

type response struct {
	result json.RawMessage
	err    error
}

// abortSignal is tripped at most once by the receive goroutine to unblock the
// browse in progress.
type abortSignal struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

func newAbortSignal() *abortSignal {
	return &abortSignal{ch: make(chan struct{})}
}

func (a *abortSignal) trigger(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.ch)
	})
}

// tripped returns the abort error without blocking, nil while untriggered.
func (a *abortSignal) tripped() error {
	if a == nil {
		return nil
	}
	select {
	case <-a.ch:
		return a.err
	default:
		return nil
	}
}

// Send writes a command and returns its id without waiting for the response.
// Ids increase strictly for the lifetime of the client.
func (c *Client) Send(method string, params any) (int64, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return 0, &crawler.BrowsingError{Msg: "browser not started"}
	}
	id := c.nextID.Add(1)
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return 0, fmt.Errorf("marshal %s: %w", method, err)
	}
	c.logger.Debug("devtools send", zap.Int64("id", id), zap.String("method", method))
	if err := conn.WriteMessage(payload); err != nil {
		c.dropPending(id)
		return 0, &crawler.BrowsingError{Msg: "send " + method, Err: err}
	}
	return id, nil
}

// Await blocks until the response to command id arrives. It fails with
// crawler.ErrProtocolTimeout after timeout.
func (c *Client) Await(ctx context.Context, id int64, timeout time.Duration) (json.RawMessage, error) {
	return c.await(ctx, id, timeout, nil)
}

func (c *Client) await(ctx context.Context, id int64, timeout time.Duration, abort *abortSignal) (json.RawMessage, error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	recvDone := c.recvDone
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending command with id %d", id)
	}
	defer c.dropPending(id)
	if err := abort.tripped(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var aborted <-chan struct{}
	if abort != nil {
		aborted = abort.ch
	}
	select {
	case resp := <-ch:
		// Events are handled before the replies that follow them, so an
		// abort raised ahead of this reply is already visible here.
		if err := abort.tripped(); err != nil {
			return nil, err
		}
		return resp.result, resp.err
	case <-aborted:
		return nil, abort.err
	case <-timer.C:
		return nil, fmt.Errorf("command %d: %w", id, crawler.ErrProtocolTimeout)
	case <-recvDone:
		return nil, &crawler.BrowsingError{Msg: "devtools connection closed"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call sends a command and waits for its result, decoding it into out when
// out is non-nil.
func (c *Client) call(ctx context.Context, abort *abortSignal, method string, params, out any) error {
	id, err := c.Send(method, params)
	if err != nil {
		return err
	}
	raw, err := c.await(ctx, id, c.cfg.CommandTimeout, abort)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// receive owns the read side of the connection. It resolves pending commands
// and dispatches events until the connection fails.
func (c *Client) receive(conn transport, done chan struct{}) {
	defer close(done)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("devtools connection closed", zap.Error(err))
			c.abortCurrent(&crawler.BrowsingError{Msg: "devtools connection closed", Err: err})
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("undecodable devtools message", zap.Error(err))
			continue
		}
		switch {
		case msg.ID != 0:
			c.resolve(msg)
		case msg.Method != "":
			c.handleEvent(msg.Method, msg.Params)
		}
	}
}

func (c *Client) resolve(msg message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	resp := response{result: msg.Result}
	if msg.Error != nil {
		resp.err = msg.Error
	}
	// Buffered; a late response for an abandoned await is simply dropped.
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) abortCurrent(err error) {
	c.mu.Lock()
	b := c.current
	c.mu.Unlock()
	if b != nil {
		b.abort.trigger(err)
	}
}

func isAbort(err error) bool {
	if _, ok := crawler.IsReachedLimit(err); ok {
		return true
	}
	var be *crawler.BrowsingError
	return errors.Is(err, crawler.ErrProxy) || errors.As(err, &be)
}
