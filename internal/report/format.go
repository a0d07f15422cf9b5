package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatHTML = "html"
	FormatXLSX = "xlsx"
)

type formatInfo struct {
	contentType string
	render      func(*FullReport) ([]byte, error)
}

var formats = map[string]formatInfo{
	FormatJSON: {"application/json", renderJSON},
	FormatCSV:  {"text/csv; charset=utf-8", renderCSV},
	FormatHTML: {"text/html; charset=utf-8", renderHTML},
	FormatXLSX: {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", renderXLSX},
}

// Columns is the header shared by the tabular formats.
var Columns = []string{"ID", "Name", "Status", "OS", "Location", "Phone", "Model", "IMEI", "Issues"}

// Render serialises r in format.
func Render(r *FullReport, format string) ([]byte, error) {
	f, ok := formats[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	out, err := f.render(r)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", format, err)
	}
	return out, nil
}

// ContentType returns the MIME type of format, or "" if it is unknown.
func ContentType(format string) string {
	return formats[format].contentType
}

// Filename returns the attachment name for a rendered report.
func Filename(r *FullReport, format string) string {
	return fmt.Sprintf("fleet-report-%s.%s", r.Metadata.Timestamp.UTC().Format("20060102-150405"), format)
}

func renderJSON(r *FullReport) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func (row Row) cells() []string {
	return []string{
		row.ID, row.Name, row.Status, row.OS, row.Location,
		row.Phone, row.Model, row.IMEI, strings.Join(row.Issues, "; "),
	}
}

func renderCSV(r *FullReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, err
	}
	for _, row := range r.Devices {
		if err := w.Write(row.cells()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Fleet report {{.Metadata.ID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
th { background: #e6f3ff; }
.online { color: #1a7f37; }
.offline { color: #cf222e; }
</style>
</head>
<body>
<h1>Fleet report</h1>
<p>Generated {{.Metadata.Timestamp.Format "2006-01-02 15:04:05 MST"}}: {{.Summary.Total}} devices, {{.Summary.Online}} online, {{.Summary.Offline}} offline.</p>
{{- if .Recommendations}}
<ul>
{{- range .Recommendations}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
<table>
<tr><th>ID</th><th>Name</th><th>Status</th><th>OS</th><th>Location</th><th>Phone</th><th>Model</th><th>IMEI</th><th>Issues</th></tr>
{{- range .Devices}}
<tr><td>{{.ID}}</td><td>{{.Name}}</td><td class="{{.Status}}">{{.Status}}</td><td>{{.OS}}</td><td>{{.Location}}</td><td>{{.Phone}}</td><td>{{.Model}}</td><td>{{.IMEI}}</td><td>{{join .Issues "; "}}</td></tr>
{{- end}}
</table>
</body>
</html>
`))

func renderHTML(r *FullReport) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
