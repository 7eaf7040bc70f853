package report

import (
	"context"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"text/template"
	"time"

	"github.com/FranksOps/frontier/internal/hashing"
	"github.com/FranksOps/frontier/internal/pagedb"
	"github.com/FranksOps/frontier/internal/storage"
)

// Summary contains aggregated figures about the pages of a PageDB.
type Summary struct {
	TotalPages   int
	Crawled      int
	Seeds        int
	Placeholders int
	TotalCrawls  int
	TotalChanges int
	MaxDepth     int
	Depths       map[int]int
	Domains      map[string]int
	FirstCrawl   time.Time
	LastCrawl    time.Time
	Duration     time.Duration
}

// GenerateSummary aggregates page records into summary figures.
func GenerateSummary(pages []*storage.PageInfo) Summary {
	s := Summary{
		Depths:  make(map[int]int),
		Domains: make(map[string]int),
	}
	for _, p := range pages {
		s.add(p)
	}
	s.finish()
	return s
}

func (s *Summary) add(p *storage.PageInfo) {
	s.TotalPages++
	s.Depths[p.Depth]++
	s.Domains[hashing.Domain(p.URL)]++
	if p.Depth > s.MaxDepth {
		s.MaxDepth = p.Depth
	}
	if p.IsSeed {
		s.Seeds++
	}
	if !p.Crawled() {
		s.Placeholders++
		return
	}

	s.Crawled++
	s.TotalCrawls += p.NCrawls
	s.TotalChanges += p.NChanges
	if s.FirstCrawl.IsZero() || p.FirstCrawl.Before(s.FirstCrawl) {
		s.FirstCrawl = p.FirstCrawl
	}
	if p.LastCrawl.After(s.LastCrawl) {
		s.LastCrawl = p.LastCrawl
	}
}

func (s *Summary) finish() {
	if !s.FirstCrawl.IsZero() {
		s.Duration = s.LastCrawl.Sub(s.FirstCrawl)
	}
}

// FromPageDB summarizes every page stored in db.
func FromPageDB(ctx context.Context, db *pagedb.DB) (Summary, error) {
	s := Summary{
		Depths:  make(map[int]int),
		Domains: make(map[string]int),
	}
	it, err := db.Iterate(ctx)
	if err != nil {
		return s, err
	}
	defer it.Close()

	for it.Next() {
		s.add(it.Page())
	}
	if err := it.Err(); err != nil {
		return s, fmt.Errorf("summarize pages: %w", err)
	}
	s.finish()
	return s, nil
}

// WriteJSON writes the summary to the provided writer in JSON format.
func WriteJSON(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}

const textTmpl = `Frontier Summary
----------------
Crawls:        {{.FirstCrawl.Format "2006-01-02 15:04:05"}} - {{.LastCrawl.Format "2006-01-02 15:04:05"}} ({{.Duration}})
Pages:         {{.TotalPages}}
Crawled:       {{.Crawled}} ({{.TotalCrawls}} crawls, {{.TotalChanges}} changes)
Placeholders:  {{.Placeholders}}
Seeds:         {{.Seeds}}
Max Depth:     {{.MaxDepth}}

Depths:
{{- range $depth, $count := .Depths}}
  {{$depth}}: {{$count}}
{{- else}}
  None
{{- end}}

Domains:
{{- range $domain, $count := .Domains}}
  {{$domain}}: {{$count}}
{{- else}}
  None
{{- end}}
`

// WriteText writes a human-readable text summary to the provided writer.
func WriteText(w io.Writer, summary Summary) error {
	t, err := template.New("textReport").Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("parse text report: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("render text report: %w", err)
	}
	return nil
}

const htmlTmpl = `<!DOCTYPE html>
<html>
<head>
<title>Frontier Report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
</style>
</head>
<body>
  <h1>Frontier Report</h1>
  <p><strong>Crawls:</strong> {{.FirstCrawl.Format "2006-01-02 15:04:05"}} to {{.LastCrawl.Format "2006-01-02 15:04:05"}} ({{.Duration}})</p>

  <div class="stat-card">
    <div>Pages</div>
    <div class="stat-val">{{.TotalPages}}</div>
  </div>
  <div class="stat-card">
    <div>Crawled</div>
    <div class="stat-val">{{.Crawled}}</div>
  </div>
  <div class="stat-card">
    <div>Placeholders</div>
    <div class="stat-val">{{.Placeholders}}</div>
  </div>
  <div class="stat-card">
    <div>Changes</div>
    <div class="stat-val">{{.TotalChanges}}</div>
  </div>

  <h3>Pages By Depth</h3>
  <table>
    <tr><th>Depth</th><th>Pages</th></tr>
    {{- range $depth, $count := .Depths}}
    <tr><td>{{$depth}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>

  <h3>Pages By Domain</h3>
  <table>
    <tr><th>Domain</th><th>Pages</th></tr>
    {{- range $domain, $count := .Domains}}
    <tr><td>{{$domain}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>
</body>
</html>
`

// WriteHTML writes an HTML report to the provided writer. Domain names are
// escaped.
func WriteHTML(w io.Writer, summary Summary) error {
	t, err := htmltemplate.New("htmlReport").Parse(htmlTmpl)
	if err != nil {
		return fmt.Errorf("parse html report: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("render html report: %w", err)
	}
	return nil
}
