package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

// fakeTransport is an in-memory DevTools connection.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeEvent struct {
	method string
	params string
}

type fakeReply struct {
	result any
	err    *ProtocolError
	events []fakeEvent
	// silent drops the response so the command never completes.
	silent bool
	// eventsFirst pushes events ahead of the response.
	eventsFirst bool
}

// fakeChrome answers commands written to a fakeTransport.
type fakeChrome struct {
	tr     *fakeTransport
	handle func(method string, params json.RawMessage) fakeReply

	mu      sync.Mutex
	methods []string
	params  map[string][]json.RawMessage
}

func (f *fakeChrome) serve() {
	for {
		select {
		case data := <-f.tr.out:
			var req struct {
				ID     int64           `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			f.mu.Lock()
			f.methods = append(f.methods, req.Method)
			f.params[req.Method] = append(f.params[req.Method], req.Params)
			f.mu.Unlock()

			reply := f.handle(req.Method, req.Params)
			if reply.eventsFirst {
				f.pushEvents(reply.events)
			}
			if !reply.silent {
				msg := map[string]any{"id": req.ID}
				if reply.err != nil {
					msg["error"] = reply.err
				} else {
					result := reply.result
					if result == nil {
						result = map[string]any{}
					}
					msg["result"] = result
				}
				f.push(msg)
			}
			if !reply.eventsFirst {
				f.pushEvents(reply.events)
			}
		case <-f.tr.closed:
			return
		}
	}
}

func (f *fakeChrome) pushEvents(events []fakeEvent) {
	for _, evt := range events {
		f.push(map[string]any{"method": evt.method, "params": json.RawMessage(evt.params)})
	}
}

func (f *fakeChrome) push(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	select {
	case f.tr.in <- data:
	case <-f.tr.closed:
	}
}

func (f *fakeChrome) calls(method string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.params[method]...)
}

func testConfig() Config {
	return Config{
		CommandTimeout:  time.Second,
		PageTimeout:     time.Second,
		BehaviorTimeout: 300 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		HashtagSettle:   10 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, handle func(string, json.RawMessage) fakeReply) (*Client, *fakeChrome) {
	t.Helper()
	tr := newFakeTransport()
	chrome := &fakeChrome{tr: tr, handle: handle, params: make(map[string][]json.RawMessage)}
	go chrome.serve()
	c := NewClient(testConfig(), 0, nil)
	c.attach(tr)
	t.Cleanup(c.Stop)
	return c, chrome
}

func evalValue(v any) fakeReply {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return fakeReply{result: map[string]any{"result": map[string]any{"type": "string", "value": json.RawMessage(raw)}}}
}

func responseEvent(status int, headers map[string]string) fakeEvent {
	params, err := json.Marshal(map[string]any{
		"requestId": "r1",
		"loaderId":  "l1",
		"timestamp": 1.5,
		"type":      "Document",
		"response": map[string]any{
			"url":      "http://example.com/",
			"status":   status,
			"headers":  headers,
			"mimeType": "text/html",
		},
	})
	if err != nil {
		panic(err)
	}
	return fakeEvent{method: "Network.responseReceived", params: string(params)}
}

var loadEvent = fakeEvent{method: "Page.loadEventFired", params: `{"timestamp":2}`}

// pageHandler serves a loaded page whose outlinks and document URL are fixed.
func pageHandler(outlinks []string, docURL string) func(string, json.RawMessage) fakeReply {
	return func(method string, params json.RawMessage) fakeReply {
		switch method {
		case "Page.navigate":
			return fakeReply{
				result: map[string]any{"frameId": "F1"},
				events: []fakeEvent{responseEvent(200, nil), loadEvent},
			}
		case "Page.captureScreenshot":
			return fakeReply{result: map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))}}
		case "Runtime.evaluate":
			var p struct {
				Expression string `json:"expression"`
			}
			_ = json.Unmarshal(params, &p)
			switch {
			case p.Expression == extractOutlinksJS:
				return evalValue(strings.Join(outlinks, "\n"))
			case p.Expression == "document.URL":
				return evalValue(docURL)
			}
			return evalValue(true)
		}
		return fakeReply{}
	}
}

func TestSendIDsIncrease(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(string, json.RawMessage) fakeReply {
		return fakeReply{result: map[string]any{"ok": true}}
	})

	first, err := c.Send("Page.enable", nil)
	require.NoError(t, err)
	second, err := c.Send("Network.enable", nil)
	require.NoError(t, err)
	require.Greater(t, second, first)

	raw, err := c.Await(context.Background(), second, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(raw))
	_, err = c.Await(context.Background(), first, time.Second)
	require.NoError(t, err)
}

func TestAwaitTimeout(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(string, json.RawMessage) fakeReply {
		return fakeReply{silent: true}
	})

	id, err := c.Send("Page.enable", nil)
	require.NoError(t, err)
	_, err = c.Await(context.Background(), id, 20*time.Millisecond)
	require.ErrorIs(t, err, crawler.ErrProtocolTimeout)
}

func TestAwaitProtocolError(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(string, json.RawMessage) fakeReply {
		return fakeReply{err: &ProtocolError{Code: -32601, Message: "method not found"}}
	})

	id, err := c.Send("Nope.nope", nil)
	require.NoError(t, err)
	_, err = c.Await(context.Background(), id, time.Second)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, int64(-32601), perr.Code)
}

func TestSendBeforeStart(t *testing.T) {
	t.Parallel()
	c := NewClient(testConfig(), 0, nil)
	_, err := c.Send("Page.enable", nil)
	var be *crawler.BrowsingError
	require.ErrorAs(t, err, &be)
	require.Equal(t, StateNotStarted, c.State())
}

func TestEnableDomains(t *testing.T) {
	t.Parallel()
	c, chrome := newTestClient(t, func(string, json.RawMessage) fakeReply { return fakeReply{} })

	require.NoError(t, c.enableDomains(context.Background()))
	bp := chrome.calls("Debugger.setBreakpointByUrl")
	require.Len(t, bp, 1)
	require.Contains(t, string(bp[0]), "google-analytics")
	require.Len(t, chrome.calls("Page.enable"), 1)
	require.Len(t, chrome.calls("Inspector.enable"), 1)
}

func TestBrowsePage(t *testing.T) {
	t.Parallel()
	outlinks := []string{"http://example.com/b", "http://other.org/c", "http://example.com/b"}
	c, chrome := newTestClient(t, pageHandler(outlinks, "http://example.com/final"))

	var shot []byte
	var responses []Response
	res, err := c.BrowsePage(context.Background(), "http://example.com/", BrowseOptions{
		UserAgent:    "test-agent",
		ExtraHeaders: map[string]string{"Warcprox-Meta": `{"warc-prefix":"x"}`},
		OnScreenshot: func(jpeg []byte) { shot = jpeg },
		OnResponse:   func(r Response) { responses = append(responses, r) },
	})
	require.NoError(t, err)
	require.Equal(t, "http://example.com/final", res.FinalURL)
	require.Equal(t, []string{"http://example.com/b", "http://other.org/c"}, res.Outlinks)
	require.Equal(t, 200, res.Status)
	require.Equal(t, []byte("jpeg-bytes"), shot)
	require.Len(t, responses, 1)
	require.Equal(t, StateStarted, c.State())

	headers := chrome.calls("Network.setExtraHTTPHeaders")
	require.Len(t, headers, 1)
	require.Contains(t, string(headers[0]), "Warcprox-Meta")
	require.Len(t, chrome.calls("Emulation.setUserAgentOverride"), 1)
}

func TestBrowsePageVisitsHashtags(t *testing.T) {
	t.Parallel()
	outlinks := []string{"http://example.com/#one", "http://example.com/#one", "http://example.com/#two", "http://example.com/x#y"}
	c, chrome := newTestClient(t, pageHandler(outlinks, "http://example.com/"))

	_, err := c.BrowsePage(context.Background(), "http://example.com/", BrowseOptions{})
	require.NoError(t, err)
	navs := chrome.calls("Page.navigate")
	require.Len(t, navs, 3)
	require.Contains(t, string(navs[1]), "#one")
	require.Contains(t, string(navs[2]), "#two")
}

func TestBrowsePageReachedLimit(t *testing.T) {
	t.Parallel()
	meta := `{"reached-limit":{"stats":{"buckets":{"total":10}}}}`
	c, _ := newTestClient(t, func(method string, _ json.RawMessage) fakeReply {
		if method == "Page.navigate" {
			return fakeReply{
				result: map[string]any{"frameId": "F1"},
				events: []fakeEvent{responseEvent(420, map[string]string{"Warcprox-Meta": meta})},
			}
		}
		return fakeReply{}
	})

	_, err := c.BrowsePage(context.Background(), "http://example.com/", BrowseOptions{})
	rl, ok := crawler.IsReachedLimit(err)
	require.True(t, ok, "got %v", err)
	require.JSONEq(t, `{"stats":{"buckets":{"total":10}}}`, string(rl.Payload))
}

func TestBrowsePageReachedLimitDuringStep(t *testing.T) {
	t.Parallel()
	meta := `{"reached-limit":{"stats":{"buckets":{"total":3}}}}`
	for i := 0; i < 20; i++ {
		base := pageHandler(nil, "http://example.com/")
		c, _ := newTestClient(t, func(method string, params json.RawMessage) fakeReply {
			reply := base(method, params)
			if method == "Runtime.evaluate" && strings.Contains(string(params), `"document.URL"`) {
				reply.eventsFirst = true
				reply.events = []fakeEvent{responseEvent(420, map[string]string{"Warcprox-Meta": meta})}
			}
			return reply
		})

		res, err := c.BrowsePage(context.Background(), "http://example.com/", BrowseOptions{SkipVisitHashtags: true})
		rl, ok := crawler.IsReachedLimit(err)
		require.True(t, ok, "run %d: got %v", i, err)
		require.JSONEq(t, `{"stats":{"buckets":{"total":3}}}`, string(rl.Payload))
		require.Empty(t, res.FinalURL)
	}
}

func TestBrowsePageAbortEvents(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		event fakeEvent
		check func(t *testing.T, err error)
	}{
		{
			name:  "tab crash",
			event: fakeEvent{method: "Inspector.targetCrashed", params: `{}`},
			check: func(t *testing.T, err error) {
				var be *crawler.BrowsingError
				require.ErrorAs(t, err, &be)
			},
		},
		{
			name:  "proxy failure",
			event: fakeEvent{method: "Network.loadingFailed", params: `{"requestId":"r1","timestamp":1,"type":"Document","errorText":"net::ERR_PROXY_CONNECTION_FAILED"}`},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, crawler.ErrProxy)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, func(method string, _ json.RawMessage) fakeReply {
				if method == "Page.navigate" {
					return fakeReply{result: map[string]any{"frameId": "F1"}, events: []fakeEvent{tc.event}}
				}
				return fakeReply{}
			})
			_, err := c.BrowsePage(context.Background(), "http://example.com/", BrowseOptions{})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestBrowsePageLoadTimeout(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(string, json.RawMessage) fakeReply { return fakeReply{} })

	_, err := c.BrowsePage(context.Background(), "http://example.com/", BrowseOptions{PageTimeout: 30 * time.Millisecond})
	require.ErrorIs(t, err, crawler.ErrBrowsingTimeout)
}

func TestBrowsePageBusy(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(string, json.RawMessage) fakeReply { return fakeReply{} })

	done := make(chan error, 1)
	go func() {
		_, err := c.BrowsePage(context.Background(), "http://example.com/", BrowseOptions{PageTimeout: 500 * time.Millisecond})
		done <- err
	}()
	require.Eventually(t, func() bool { return c.State() == StateBrowsing }, time.Second, time.Millisecond)

	_, err := c.BrowsePage(context.Background(), "http://example.com/other", BrowseOptions{})
	require.ErrorIs(t, err, crawler.ErrBrowserBusy)
	require.ErrorIs(t, <-done, crawler.ErrBrowsingTimeout)
}

func TestBrowsePageContextCancel(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(string, json.RawMessage) fakeReply { return fakeReply{} })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := c.BrowsePage(ctx, "http://example.com/", BrowseOptions{PageTimeout: 5 * time.Second})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBrowsePageBehaviorPolling(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	polls := 0
	base := pageHandler(nil, "http://example.com/")
	c, _ := newTestClient(t, func(method string, params json.RawMessage) fakeReply {
		if method == "Runtime.evaluate" && strings.Contains(string(params), "__done") {
			mu.Lock()
			defer mu.Unlock()
			polls++
			return evalValue(polls >= 3)
		}
		return base(method, params)
	})

	_, err := c.BrowsePage(context.Background(), "http://example.com/", BrowseOptions{
		SkipExtractOutlinks: true,
		Behavior:            &crawler.Behavior{Name: "test", Script: "void 0", Finished: "window.__done"},
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, polls)
}

func TestBrowsePageBehaviorTimeoutIsNotFatal(t *testing.T) {
	t.Parallel()
	base := pageHandler([]string{"http://example.com/b"}, "http://example.com/")
	c, _ := newTestClient(t, func(method string, params json.RawMessage) fakeReply {
		if method == "Runtime.evaluate" && strings.Contains(string(params), "__never") {
			return evalValue(false)
		}
		return base(method, params)
	})

	res, err := c.BrowsePage(context.Background(), "http://example.com/", BrowseOptions{
		Behavior: &crawler.Behavior{Name: "slow", Script: "void 0", Finished: "window.__never", IdleTimeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"http://example.com/b"}, res.Outlinks)
}

func TestDialogHandling(t *testing.T) {
	t.Parallel()
	cases := []struct {
		dialog string
		accept bool
	}{
		{dialog: "alert", accept: true},
		{dialog: "confirm", accept: false},
	}
	for _, tc := range cases {
		t.Run(tc.dialog, func(t *testing.T) {
			t.Parallel()
			_, chrome := newTestClient(t, func(string, json.RawMessage) fakeReply { return fakeReply{} })
			chrome.push(map[string]any{
				"method": "Page.javascriptDialogOpening",
				"params": map[string]any{"url": "http://example.com/", "message": "hi", "type": tc.dialog, "hasBrowserHandler": false},
			})
			require.Eventually(t, func() bool {
				return len(chrome.calls("Page.handleJavaScriptDialog")) == 1
			}, time.Second, time.Millisecond)
			var p struct {
				Accept bool `json:"accept"`
			}
			require.NoError(t, json.Unmarshal(chrome.calls("Page.handleJavaScriptDialog")[0], &p))
			require.Equal(t, tc.accept, p.Accept)
		})
	}
}

func TestDebuggerPausedReplacesAnalytics(t *testing.T) {
	t.Parallel()
	_, chrome := newTestClient(t, func(string, json.RawMessage) fakeReply { return fakeReply{} })
	chrome.push(map[string]any{
		"method": "Debugger.paused",
		"params": map[string]any{
			"reason":     "other",
			"callFrames": []any{map[string]any{"location": map[string]any{"scriptId": "42", "lineNumber": 0}}},
		},
	})
	require.Eventually(t, func() bool {
		return len(chrome.calls("Debugger.resume")) == 1
	}, time.Second, time.Millisecond)
	src := chrome.calls("Debugger.setScriptSource")
	require.Len(t, src, 1)
	require.Contains(t, string(src[0]), `"scriptId":"42"`)
	require.Contains(t, string(src[0]), "google analytics is no more")
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(string, json.RawMessage) fakeReply { return fakeReply{} })
	c.Stop()
	c.Stop()
	require.Equal(t, StateStopped, c.State())
	require.False(t, c.IsRunning())

	_, err := c.BrowsePage(context.Background(), "http://example.com/", BrowseOptions{})
	var be *crawler.BrowsingError
	require.True(t, errors.As(err, &be))
}

func TestConnectionLossAbortsAwait(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	c := NewClient(testConfig(), 0, nil)
	c.attach(tr)
	t.Cleanup(c.Stop)

	id, err := c.Send("Page.enable", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	_, err = c.Await(context.Background(), id, 5*time.Second)
	var be *crawler.BrowsingError
	require.ErrorAs(t, err, &be)
}
