package web

import (
	"html/template"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// JobRow is one line of the dashboard table.
type JobRow struct {
	ID        string
	Type      string
	Status    string
	Input     string
	Output    string
	Error     string
	CreatedAt time.Time
}

var dashboard = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"ago": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return humanize.Time(t)
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>focusstack</title>
<style>
body { font-family: sans-serif; background: #0f172a; color: #f8fafc; margin: 2rem; }
table { border-collapse: collapse; width: 100%; }
th, td { border-bottom: 1px solid #475569; padding: .4rem .6rem; text-align: left; }
.failed { color: #ef4444; } .completed { color: #10b981; } .running { color: #f59e0b; }
#events { font-family: monospace; white-space: pre-wrap; color: #cbd5e1; }
</style>
</head>
<body>
<h1>focusstack jobs</h1>
<table>
<tr><th>ID</th><th>Type</th><th>Status</th><th>Input</th><th>Output</th><th>Created</th></tr>
{{range .}}<tr>
<td>{{.ID}}</td><td>{{.Type}}</td><td class="{{.Status}}">{{.Status}}</td>
<td>{{.Input}}</td><td>{{.Output}}</td><td>{{ago .CreatedAt}}</td>
</tr>{{if .Error}}<tr><td></td><td colspan="5" class="failed">{{.Error}}</td></tr>{{end}}
{{else}}<tr><td colspan="6">no jobs yet</td></tr>{{end}}
</table>
<h2>live</h2>
<div id="events"></div>
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (e) => {
  const el = document.getElementById("events");
  el.textContent = e.data + "\n" + el.textContent;
};
</script>
</body>
</html>
`))

// RenderDashboard writes the status page for rows.
func RenderDashboard(w io.Writer, rows []JobRow) error {
	return dashboard.Execute(w, rows)
}
