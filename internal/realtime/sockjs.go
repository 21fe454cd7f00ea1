package realtime

import (
	"net/http"
	"strings"

	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const sendBuffer = 16

// Handler serves SockJS sessions under prefix. Displays may subscribe
// with ?room_id=&counter_id= on connect or send subscribe messages later.
func (h *Hub) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, h.serveSession)
}

func (h *Hub) serveSession(session sockjs.Session) {
	client := &Client{
		ID:           session.ID(),
		Send:         make(chan []byte, sendBuffer),
		Subscription: subscriptionFromRequest(session.Request()),
	}
	h.Register(client)
	defer h.Unregister(client)
	h.logger.Debug("display connected", zap.String("client_id", client.ID))

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.UpdateSubscription(client, Subscription{Muted: true})
			continue
		}
		h.UpdateSubscription(client, Subscription{
			RoomID:    strings.TrimSpace(parsed.RoomID),
			CounterID: strings.TrimSpace(parsed.CounterID),
		})
	}
}

func subscriptionFromRequest(r *http.Request) Subscription {
	if r == nil {
		return Subscription{}
	}
	query := r.URL.Query()
	return Subscription{
		RoomID:    strings.TrimSpace(query.Get("room_id")),
		CounterID: strings.TrimSpace(query.Get("counter_id")),
	}
}
