// Package dashboard renders the historical HTML ledger described in
// spec.md §4.8: one section per tenant, a tenant summary, an optional
// diff against the previous run, and a time-sorted proof table.
//
// No example repo in the retrieval pack renders server-side HTML, so this
// package reaches for the standard library's html/template rather than a
// third-party templating engine — there is no ecosystem precedent here to
// follow, and html/template's auto-escaping is the safest default for a
// ledger that embeds tenant-controlled strings (module hashes, tenant
// names) into markup.
package dashboard

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/nightcore/executor/internal/orchestrator"
	"github.com/nightcore/executor/internal/proof"
	"github.com/nightcore/executor/internal/state"
)

// TenantSection is one tenant's rendered block on the dashboard.
type TenantSection struct {
	Tenant  string
	Summary proof.Summary
	Diff    proof.Diff
	Rows    []proof.ProofRow
}

// Page is the full dashboard render input.
type Page struct {
	Sections   []TenantSection
	TotalCount int
	ShowDiff   bool
}

// Build loads every tenant's proof history under rootDir/modules and
// assembles a Page. No tenant section writes a state key — each tenant's
// store is opened (and created with an empty schema if absent) and only
// read for the duration of the load.
func Build(ctx context.Context, rootDir string, showDiff bool) (Page, error) {
	tenants, err := orchestrator.DiscoverTenants(rootDir)
	if err != nil {
		return Page{}, fmt.Errorf("dashboard: discover tenants: %w", err)
	}

	var page Page
	page.ShowDiff = showDiff

	for _, tenant := range tenants {
		st, err := state.Open(rootDir, tenant)
		if err != nil {
			return Page{}, fmt.Errorf("dashboard: open state for %q: %w", tenant, err)
		}

		history, err := proof.History(ctx, st)
		closeErr := st.Close()
		if err != nil {
			return Page{}, fmt.Errorf("dashboard: load history for %q: %w", tenant, err)
		}
		if closeErr != nil {
			return Page{}, fmt.Errorf("dashboard: close state for %q: %w", tenant, closeErr)
		}

		modulePath := filepath.Join(rootDir, "modules", tenant, "module.wasm")
		artifactSize := func(proof.ExecProof) int64 {
			info, err := os.Stat(modulePath)
			if err != nil {
				return 0
			}
			return info.Size()
		}

		section := TenantSection{
			Tenant:  tenant,
			Summary: proof.Summarize(tenant, history, artifactSize),
			Rows:    proof.Rows(history, artifactSize),
		}
		if showDiff {
			section.Diff = proof.ComputeDiff(history)
		}
		page.Sections = append(page.Sections, section)
		page.TotalCount += len(history)
	}

	sort.Slice(page.Sections, func(i, j int) bool {
		return page.Sections[i].Tenant < page.Sections[j].Tenant
	})

	return page, nil
}

var pageTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>executor proof ledger</title>
<style>
body { font-family: monospace; margin: 2rem; }
table { border-collapse: collapse; margin-bottom: 2rem; }
th, td { border: 1px solid #ccc; padding: 0.25rem 0.5rem; text-align: left; }
.ok { color: #116611; }
.fail { color: #aa2222; }
h1 { font-size: 1.2rem; }
h2 { font-size: 1rem; margin-top: 2rem; }
</style>
</head>
<body>
<h1>proof ledger — {{.TotalCount}} recorded runs across {{len .Sections}} tenants</h1>
{{range .Sections}}
<h2>{{.Tenant}}</h2>
<p>
total={{.Summary.Total}}
verified={{.Summary.VerifiedCount}}
({{printf "%.1f" .Summary.VerifiedPct}}%)
avg_size_bytes={{printf "%.0f" .Summary.AvgSizeBytes}}
first_run={{.Summary.FirstRun.Format "2006-01-02T15:04:05Z07:00"}}
last_run={{.Summary.LastRun.Format "2006-01-02T15:04:05Z07:00"}}
</p>
{{if $.ShowDiff}}
{{if .Diff.HasPrevious}}
<p>diff vs previous: sha_changed={{.Diff.SHAChanged}} verify_flip={{.Diff.VerifyFlip}} time_delta_s={{printf "%.3f" .Diff.TimeDeltaS}}</p>
{{else}}
<p>diff vs previous: n/a (fewer than two runs)</p>
{{end}}
{{end}}
<table>
<tr><th>timestamp</th><th>sha256</th><th>size</th><th>verified</th></tr>
{{range .Rows}}
<tr class="{{if .Verified}}ok{{else}}fail{{end}}">
<td>{{.Timestamp.Format "2006-01-02T15:04:05Z07:00"}}</td>
<td>{{.SHA256}}</td>
<td>{{.Size}}</td>
<td>{{.Verified}}</td>
</tr>
{{end}}
</table>
{{end}}
</body>
</html>
`))

// Render writes the HTML ledger for page to w.
func Render(w io.Writer, page Page) error {
	return pageTemplate.Execute(w, page)
}
