package devicelink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rt21bridge/internal/version"
)

// ExecFunc runs one client-protocol command through the bridge and returns
// the client reply bytes.
type ExecFunc func(ctx context.Context, input []byte) []byte

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<html>
<head><title>rt21bridge: send command</title></head>
<body>
<h1>Device {{.Address}}</h1>
<form id="send" method="post" action="send-command-api">
  <input name="command" placeholder="C, M090, S ...">
  <button type="submit">Send</button>
</form>
<pre id="reply"></pre>
<h2>Traffic</h2>
<pre id="tail"></pre>
<script>
document.getElementById("send").addEventListener("submit", async (e) => {
  e.preventDefault();
  const res = await fetch("send-command-api", {method: "POST", body: new FormData(e.target)});
  document.getElementById("reply").textContent = await res.text();
});
const tail = document.getElementById("tail");
new EventSource("tail").onmessage = (e) => { tail.textContent += e.data + "\n"; };
</script>
</body>
</html>
`))

// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP mux
// served at /debug/. These routes are accessible only over localhost/via
// Tailscale and are not publicly accessible.
func (l *Link) AttachAdminRoutes(mux *http.ServeMux, exec ExecFunc) {
	debug := tsweb.Debugger(mux)

	debug.KV("Version", version.String())
	debug.KVFunc("Device", func() any {
		s := l.Stats()
		state := "disconnected"
		if s.Connected {
			state = "connected"
		}
		return fmt.Sprintf("%s (%s, %d exchanges, %d failures)", s.Address, state, s.Exchanges, s.Failures)
	})

	debug.HandleFunc("link", "device link state as JSON", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(l.Stats())
	})

	// Basic command / live tail interface using the below two API endpoints.
	debug.HandleFunc("send-command", "send a rotator command through the bridge", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, struct{ Address string }{l.Address()}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		reply := exec(ctx, []byte(command))
		io.WriteString(w, fmt.Sprintf("%q -> %q", command, reply))
	})

	// Server-Sent Events (SSE) stream of the frames exchanged with the device.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := l.Subscribe()
		defer l.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %q\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
