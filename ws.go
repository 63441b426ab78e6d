package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// wsCommand is the JSON form of a websocket message. Exactly one field is
// expected to be set.
type wsCommand struct {
	Forward string `json:"forward"`
	Action  string `json:"action"`
}

// lineFromJSON converts a JSON message into a terminated command line.
// ok is false when msg is not a JSON object.
func lineFromJSON(msg []byte) (line []byte, ok bool, err error) {
	trimmed := strings.TrimSpace(string(msg))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false, nil
	}

	var js wsCommand
	if err := json.Unmarshal([]byte(trimmed), &js); err != nil {
		return nil, false, nil
	}

	switch {
	case js.Forward != "" && js.Action != "":
		return nil, true, fmt.Errorf("message sets both forward and action")
	case js.Forward != "":
		cmd := strings.TrimRight(js.Forward, "\r\n")
		if strings.ContainsAny(cmd, "\r\n") {
			return nil, true, fmt.Errorf("forward command must be a single line")
		}
		return []byte(cmd + "\r\n"), true, nil
	case js.Action != "":
		a := strings.TrimSpace(js.Action)
		if !isLocalLiteral(a) {
			return nil, true, fmt.Errorf("unknown action %q", a)
		}
		return []byte(a + "\n"), true, nil
	}
	return nil, true, fmt.Errorf("message sets neither forward nor action")
} // func lineFromJSON()

// wsHandler treats every websocket text message as one command line.
func wsHandler(d *dispatcher, opts serveOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // allow any origin
		})
		if err != nil {
			log.Printf("[ws] accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		conn.SetReadLimit(maxLineBytes)

		source := fmt.Sprintf("ws/%s/%s", uuid.NewString()[:8], r.RemoteAddr)
		log.Printf("[ws] got inbound connection from %s", source)

		for {
			typ, msg, err := conn.Read(r.Context())
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					log.Printf("[ws] %s read error: %v", source, err)
				}
				return
			}
			if typ != websocket.MessageText {
				continue
			}

			line := msg
			if js, ok, jerr := lineFromJSON(msg); ok {
				if jerr != nil {
					log.Printf("[ws] %s bad JSON command: %v", source, jerr)
					if opts.Ack {
						if err := conn.Write(r.Context(), websocket.MessageText, []byte("ERR "+jerr.Error())); err != nil {
							log.Printf("[ws] %s send failed: %v", source, err)
							return
						}
					}
					continue
				}
				log.Printf("[ws] %s received JSON: %s", source, msg)
				line = js
			}

			out := d.Dispatch("ws", source, line)
			if opts.Ack {
				if err := conn.Write(r.Context(), websocket.MessageText, []byte(out.ackLine())); err != nil {
					log.Printf("[ws] %s send failed: %v", source, err)
					return
				}
			}
		}
	}
} // func wsHandler()

// newHTTPMux serves the websocket endpoint, metrics and a health check.
func newHTTPMux(d *dispatcher, m *relayMetrics, opts serveOptions) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(d, opts))
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return mux
} // func newHTTPMux()
