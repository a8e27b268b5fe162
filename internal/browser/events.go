package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

const (
	proxyConnectionFailed = "net::ERR_PROXY_CONNECTION_FAILED"
	analyticsScriptRegex  = `https?://www\.google-analytics\.com/analytics\.js`
	analyticsReplacement  = `console.log("google analytics is no more!");`
)

// Response describes a network response observed while browsing.
type Response struct {
	URL          string
	Status       int
	MimeType     string
	ResourceType network.ResourceType
	Headers      map[string]string
}

type pausedEvent struct {
	CallFrames []struct {
		Location struct {
			ScriptID runtime.ScriptID `json:"scriptId"`
		} `json:"location"`
	} `json:"callFrames"`
}

// handleEvent runs on the receive goroutine. Handlers must not wait for
// command responses, since only this goroutine delivers them.
func (c *Client) handleEvent(method string, params json.RawMessage) {
	switch cdproto.MethodType(method) {
	case cdproto.EventPageLoadEventFired:
		c.withCurrent(func(b *browse) { b.signalLoaded() })
	case cdproto.EventNetworkResponseReceived:
		c.onResponseReceived(params)
	case cdproto.EventNetworkLoadingFailed:
		c.onLoadingFailed(params)
	case cdproto.EventPageJavascriptDialogOpening:
		c.onDialog(params)
	case cdproto.EventDebuggerPaused:
		c.onDebuggerPaused(params)
	case cdproto.EventInspectorTargetCrashed:
		c.logger.Error("browser tab crashed")
		c.abortCurrent(&crawler.BrowsingError{Msg: "browser tab crashed"})
	}
}

func (c *Client) withCurrent(fn func(*browse)) {
	c.mu.Lock()
	b := c.current
	c.mu.Unlock()
	if b != nil {
		fn(b)
	}
}

func (c *Client) onResponseReceived(params json.RawMessage) {
	var evt network.EventResponseReceived
	if err := json.Unmarshal(params, &evt); err != nil || evt.Response == nil {
		c.logger.Warn("undecodable Network.responseReceived", zap.Error(err))
		return
	}
	resp := Response{
		URL:          evt.Response.URL,
		Status:       int(evt.Response.Status),
		MimeType:     evt.Response.MimeType,
		ResourceType: evt.Type,
		Headers:      flattenHeaders(evt.Response.Headers),
	}
	if resp.Status == 420 {
		if meta, ok := headerValue(resp.Headers, crawler.WarcproxMetaHeader); ok {
			rl := crawler.NewReachedLimitError(meta)
			c.logger.Info("archiving proxy reached limit", zap.String("url", resp.URL), zap.ByteString("payload", rl.Payload))
			c.abortCurrent(rl)
		}
	}
	c.withCurrent(func(b *browse) { b.observeResponse(resp) })
}

func (c *Client) onLoadingFailed(params json.RawMessage) {
	var evt network.EventLoadingFailed
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	if evt.ErrorText == proxyConnectionFailed {
		c.logger.Error("proxy connection failed", zap.String("request_id", string(evt.RequestID)))
		c.abortCurrent(fmt.Errorf("loading failed: %w", crawler.ErrProxy))
	}
}

func (c *Client) onDialog(params json.RawMessage) {
	var evt page.EventJavascriptDialogOpening
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	accept := evt.Type == page.DialogTypeAlert
	c.logger.Info("handling javascript dialog",
		zap.String("type", evt.Type.String()),
		zap.String("message", evt.Message),
		zap.Bool("accept", accept),
	)
	if _, err := c.Send(page.CommandHandleJavaScriptDialog, page.HandleJavaScriptDialog(accept)); err != nil {
		c.logger.Warn("dismiss dialog failed", zap.Error(err))
	}
}

// onDebuggerPaused fires on the analytics.js breakpoint installed at start.
// The script is neutralised and execution resumed.
func (c *Client) onDebuggerPaused(params json.RawMessage) {
	var evt pausedEvent
	if err := json.Unmarshal(params, &evt); err == nil && len(evt.CallFrames) > 0 {
		scriptID := evt.CallFrames[0].Location.ScriptID
		if _, err := c.Send(debugger.CommandSetScriptSource, debugger.SetScriptSource(scriptID, analyticsReplacement)); err != nil {
			c.logger.Warn("replace analytics script failed", zap.Error(err))
		}
	}
	if _, err := c.Send(debugger.CommandResume, debugger.Resume()); err != nil {
		c.logger.Warn("debugger resume failed", zap.Error(err))
	}
}

func flattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func headerValue(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
