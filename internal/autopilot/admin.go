package autopilot

import (
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/obstacle-avoidance/internal/httputil"
)

var sendLineTemplate = template.Must(template.New("send").Parse(`<!DOCTYPE html>
<html>
<head><title>autopilot</title></head>
<body>
<form method="POST" action="/debug/autopilot-send-api">
<input type="text" name="line" size="80" placeholder='{"type":"offboard","enable":false}'>
<button type="submit">send</button>
</form>
<pre id="tail"></pre>
<script>
const tail = document.getElementById("tail");
new EventSource("/debug/autopilot-tail").onmessage = (e) => {
  tail.textContent = (e.data + "\n" + tail.textContent).slice(0, 20000);
};
</script>
</body>
</html>
`))

func (l *Link[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, l)
}

func attachAdminRoutes(mux *http.ServeMux, l LinkInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("autopilot", "send raw lines to the autopilot and tail its telemetry", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := sendLineTemplate.Execute(w, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("autopilot-send-api", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		line := strings.TrimSpace(r.FormValue("line"))
		if line == "" {
			httputil.BadRequest(w, "missing line")
			return
		}
		if err := l.SendLine(line); err != nil {
			httputil.InternalServerError(w, "failed to write line")
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote %q to autopilot", line))
	})

	debug.HandleSilentFunc("autopilot-stats", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, l.Stats())
	})

	// Server-sent events, one per telemetry line.
	debug.HandleSilentFunc("autopilot-tail", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
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
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := l.Subscribe()
		defer l.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
