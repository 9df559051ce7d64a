package session

import (
	"encoding/json"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
)

// collectLimit bounds each aggregation list; the oldest entry is dropped
// first, mirroring the event buffers.
const collectLimit = 200

// NetworkRequest is one observed network exchange, accumulated from the
// Network domain's event stream.
type NetworkRequest struct {
	RequestID string
	URL       string
	Method    string
	Status    int64
	Failure   string
}

// ConsoleMessage is one console API call observed via the Runtime
// domain.
type ConsoleMessage struct {
	Type string
	Text string
}

// initCollectors wires the session's own aggregation subscribers before
// any event can arrive, so the collections never miss bring-up traffic.
func (s *Session) initCollectors() {
	s.events.subscribe(string(cdproto.EventNetworkRequestWillBeSent), s.onRequestWillBeSent)
	s.events.subscribe(string(cdproto.EventNetworkResponseReceived), s.onResponseReceived)
	s.events.subscribe(string(cdproto.EventNetworkLoadingFailed), s.onLoadingFailed)
	s.events.subscribe(string(cdproto.EventRuntimeConsoleAPICalled), s.onConsoleAPICalled)
}

func (s *Session) onRequestWillBeSent(params json.RawMessage) {
	var ev network.EventRequestWillBeSent
	if err := easyjson.Unmarshal(params, &ev); err != nil || ev.Request == nil {
		s.logger.Warnf("Session:collect", "sid:%v decoding requestWillBeSent: %v", s.id, err)
		return
	}
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	s.network = append(s.network, NetworkRequest{
		RequestID: string(ev.RequestID),
		URL:       ev.Request.URL,
		Method:    ev.Request.Method,
	})
	if len(s.network) > collectLimit {
		s.network = s.network[1:]
	}
}

func (s *Session) onResponseReceived(params json.RawMessage) {
	var ev network.EventResponseReceived
	if err := easyjson.Unmarshal(params, &ev); err != nil || ev.Response == nil {
		s.logger.Warnf("Session:collect", "sid:%v decoding responseReceived: %v", s.id, err)
		return
	}
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	for i := len(s.network) - 1; i >= 0; i-- {
		if s.network[i].RequestID == string(ev.RequestID) {
			s.network[i].Status = ev.Response.Status
			return
		}
	}
}

func (s *Session) onLoadingFailed(params json.RawMessage) {
	var ev network.EventLoadingFailed
	if err := easyjson.Unmarshal(params, &ev); err != nil {
		s.logger.Warnf("Session:collect", "sid:%v decoding loadingFailed: %v", s.id, err)
		return
	}
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	for i := len(s.network) - 1; i >= 0; i-- {
		if s.network[i].RequestID == string(ev.RequestID) {
			s.network[i].Failure = ev.ErrorText
			return
		}
	}
}

func (s *Session) onConsoleAPICalled(params json.RawMessage) {
	var ev runtime.EventConsoleAPICalled
	if err := easyjson.Unmarshal(params, &ev); err != nil {
		s.logger.Warnf("Session:collect", "sid:%v decoding consoleAPICalled: %v", s.id, err)
		return
	}
	var parts []string
	for _, arg := range ev.Args {
		if arg == nil {
			continue
		}
		if len(arg.Value) > 0 {
			parts = append(parts, strings.Trim(string(arg.Value), `"`))
			continue
		}
		if arg.Description != "" {
			parts = append(parts, arg.Description)
		}
	}
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	s.console = append(s.console, ConsoleMessage{
		Type: string(ev.Type),
		Text: strings.Join(parts, " "),
	})
	if len(s.console) > collectLimit {
		s.console = s.console[1:]
	}
}

// NetworkRequests returns a copy of the accumulated network exchanges.
func (s *Session) NetworkRequests() []NetworkRequest {
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	out := make([]NetworkRequest, len(s.network))
	copy(out, s.network)
	return out
}

// ConsoleMessages returns a copy of the accumulated console messages.
func (s *Session) ConsoleMessages() []ConsoleMessage {
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	out := make([]ConsoleMessage, len(s.console))
	copy(out, s.console)
	return out
}

func (s *Session) clearCollections() {
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	s.network = nil
	s.console = nil
}
