package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/Denzo77/trv-control/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>TRV Control</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>TRV Control</h1>

<h2>Valve</h2>
<table>
<tr><th>Target Temperature</th><td>{{.TargetTempC}}&deg;C</td></tr>
<tr><th>Temperature</th><td>{{if .HaveTemperature}}{{printf "%.1f" .TemperatureC}}&deg;C{{else}}no reading{{end}}</td></tr>
<tr><th>Valve Open</th><td>{{.ValvePC}}%</td></tr>
<tr><th>Target Open</th><td>{{.TargetPC}}%</td></tr>
<tr><th>Calling For Heat</th><td class="{{if .CallingForHeat}}on{{else}}off{{end}}">{{if .CallingForHeat}}YES{{else}}NO{{end}}</td></tr>
<tr><th>Driver</th><td class="{{if eq (stateOrUnknown .DriverState) "UNKNOWN"}}unknown{{end}}">{{stateOrUnknown .DriverState}}</td></tr>
<tr><th>Filtering</th><td>{{if .Filtering}}yes{{else}}no{{end}}</td></tr>
<tr><th>Bake</th><td class="{{if .BakeActive}}on{{else}}off{{end}}">{{if .BakeActive}}ACTIVE{{else}}off{{end}}</td></tr>
<tr><th>Cumulative Movement</th><td>{{.CumulativeMovementPC}}%</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}} &mdash; {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Fast Opens</th><td>{{.Counts.OpenFast}}</td></tr>
<tr><th>Draughts</th><td>{{.Counts.Draught}}</td></tr>
<tr><th>Valve Moves</th><td>{{.Counts.Moves}}</td></tr>
<tr><th>Tracking Errors</th><td>{{.Counts.TrackingErrors}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Control Tick</th><td>{{.Config.TickSeconds}}s</td></tr>
<tr><th>Motor Poll</th><td>{{.Config.PollSeconds}}s</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
