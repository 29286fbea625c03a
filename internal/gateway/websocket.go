package gateway

import (
	"net/http"
	"strings"

	"github.com/peagen-io/peagen/internal/ws"
)

// serveWS upgrades /ws/tasks connections. Topics come from the query
// string (?topics=task:<id>,pool:<name>); with none given the client gets
// the firehose.
func (a *App) serveWS(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))
	client, err := ws.NewClient(a.hub, w, r, topics, a.logger)
	if err != nil {
		// Upgrade already wrote the error response.
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client.Run()
}

func parseTopics(raw string) []string {
	if raw == "" {
		return []string{ws.TopicAll}
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return []string{ws.TopicAll}
	}
	return topics
}
