package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow/types/events"

	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

func (a *Adapter) handleEvent(evt any) {
	ev, ok := translate(evt)
	if !ok {
		return
	}
	switch ev.Kind {
	case transport.EventQR:
		a.setQR(ev.Code)
	case transport.EventReady, transport.EventPaired, transport.EventAuthFailure:
		a.setQR("")
	}
	if ev.Kind != transport.EventQR {
		a.log.Debug("whatsapp event", logx.String("kind", string(ev.Kind)), logx.String("reason", ev.Reason))
	}
	a.emit(ev)
}

// translate maps whatsmeow events onto the transport event set. Events the
// supervisor does not react to are ignored.
func translate(evt any) (transport.Event, bool) {
	switch v := evt.(type) {
	case *events.Connected:
		return transport.Event{Kind: transport.EventReady}, true
	case *events.Disconnected:
		return transport.Event{Kind: transport.EventDisconnected, Reason: "socket closed"}, true
	case *events.StreamReplaced:
		return transport.Event{Kind: transport.EventDisconnected, Reason: "stream replaced"}, true
	case *events.KeepAliveTimeout:
		return transport.Event{Kind: transport.EventDisconnected, Reason: fmt.Sprintf("keepalive timeout (errors=%d)", v.ErrorCount)}, true
	case *events.ConnectFailure:
		return transport.Event{Kind: transport.EventDisconnected, Reason: fmt.Sprintf("connect failure: %v %s", v.Reason, v.Message)}, true
	case *events.LoggedOut:
		return transport.Event{Kind: transport.EventAuthFailure, Reason: fmt.Sprintf("logged out: %v", v.Reason)}, true
	case *events.TemporaryBan:
		return transport.Event{Kind: transport.EventAuthFailure, Reason: fmt.Sprintf("temporary ban: %v for %s", v.Code, v.Expire)}, true
	case *events.ClientOutdated:
		return transport.Event{Kind: transport.EventAuthFailure, Reason: "client outdated"}, true
	case *events.QR:
		if len(v.Codes) == 0 {
			return transport.Event{}, false
		}
		return transport.Event{Kind: transport.EventQR, Code: v.Codes[0]}, true
	case *events.PairSuccess:
		return transport.Event{Kind: transport.EventPaired, Reason: v.ID.String()}, true
	default:
		return transport.Event{}, false
	}
}

func (a *Adapter) setQR(code string) {
	a.qrMu.Lock()
	a.qr = code
	a.qrMu.Unlock()
}
