package dashboard

import (
	"bytes"
	"html/template"
	"net/http"
)

var funcMap = template.FuncMap{
	"truncate": truncate,
}

var pageTmpls = map[string]*template.Template{
	"overview":  template.Must(template.New("overview").Funcs(funcMap).Parse(navHTML + overviewHTML)),
	"decisions": template.Must(template.New("decisions").Funcs(funcMap).Parse(navHTML + decisionsHTML)),
	"rules":     template.Must(template.New("rules").Funcs(funcMap).Parse(navHTML + rulesHTML)),
}

func renderPage(w http.ResponseWriter, name string, data map[string]any) {
	tmpl, ok := pageTmpls[name]
	if !ok {
		http.Error(w, "unknown page: "+name, http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

const navHTML = `{{define "nav"}}
<nav class="bg-gray-900 border-b border-gray-700 px-6 py-4">
    <div class="flex items-center justify-between max-w-7xl mx-auto">
        <div class="flex items-center space-x-2">
            <span class="text-xl font-bold text-white">RequestGuard</span>
            <span class="text-xs bg-gray-700 text-gray-300 px-2 py-1 rounded">Dashboard</span>
        </div>
        <div class="flex space-x-4">
            <a href="/" class="px-3 py-2 rounded hover:bg-gray-800 {{if eq .Page "overview"}}bg-gray-800 text-white{{else}}text-gray-400{{end}}">Overview</a>
            <a href="/decisions" class="px-3 py-2 rounded hover:bg-gray-800 {{if eq .Page "decisions"}}bg-gray-800 text-white{{else}}text-gray-400{{end}}">Decisions</a>
            <a href="/rules" class="px-3 py-2 rounded hover:bg-gray-800 {{if eq .Page "rules"}}bg-gray-800 text-white{{else}}text-gray-400{{end}}">Rules</a>
        </div>
    </div>
</nav>
{{end}}`

const headHTML = `<!DOCTYPE html>
<html lang="en" class="dark">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>RequestGuard Dashboard</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <script src="https://unpkg.com/htmx.org@2.0.4"></script>
    <script src="https://unpkg.com/htmx-ext-sse@2.2.2/sse.js"></script>
    <style>body { background-color: #0f172a; color: #e2e8f0; }</style>
</head>
<body class="min-h-screen">
{{template "nav" .}}
<main class="max-w-7xl mx-auto px-6 py-8">`

const footHTML = `</main>
</body>
</html>`

const overviewHTML = headHTML + `
<h1 class="text-2xl font-bold mb-6">Overview</h1>
<div class="grid grid-cols-1 md:grid-cols-4 gap-6 mb-8">
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <div class="text-gray-400 text-sm mb-1">Requests</div>
        <div class="text-3xl font-bold text-white">{{.Stats.TotalRequests}}</div>
    </div>
    <div class="bg-gray-900 border border-red-900 rounded-lg p-6">
        <div class="text-red-400 text-sm mb-1">Blocked</div>
        <div class="text-3xl font-bold text-red-300">{{.Stats.BlockedCount}}</div>
    </div>
    <div class="bg-gray-900 border border-green-900 rounded-lg p-6">
        <div class="text-green-400 text-sm mb-1">Allowed</div>
        <div class="text-3xl font-bold text-green-300">{{.Stats.AllowedCount}}</div>
    </div>
    <div class="bg-gray-900 border border-blue-900 rounded-lg p-6">
        <div class="text-blue-400 text-sm mb-1">With Injections</div>
        <div class="text-3xl font-bold text-blue-300">{{.Stats.InjectedCount}}</div>
    </div>
</div>
<div class="grid grid-cols-1 md:grid-cols-2 gap-6 mb-8">
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <h2 class="text-lg font-bold mb-4">Blocks by Rule</h2>
        {{range $rule, $count := .Stats.ByRule}}
        <div class="flex justify-between py-1 border-b border-gray-800">
            <span class="text-gray-300 font-mono text-sm">{{$rule}}</span>
            <span class="text-gray-400">{{$count}}</span>
        </div>
        {{else}}<p class="text-gray-500">No data yet</p>{{end}}
    </div>
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <h2 class="text-lg font-bold mb-4">By Resource Type</h2>
        {{range $kind, $count := .Stats.ByResourceKind}}
        <div class="flex justify-between py-1 border-b border-gray-800">
            <span class="text-gray-300 font-mono text-sm">{{$kind}}</span>
            <span class="text-gray-400">{{$count}}</span>
        </div>
        {{else}}<p class="text-gray-500">No data yet</p>{{end}}
    </div>
</div>
<div class="grid grid-cols-1 md:grid-cols-2 gap-6">
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6 text-sm">
        <h2 class="text-lg font-bold mb-4">Rule Snapshot</h2>
        <div>Version {{.Snapshot.Version}}, {{.Snapshot.RuleCount}} rules, {{.Snapshot.Skipped}} skipped</div>
        <div class="text-gray-400">Loaded {{.Snapshot.LoadedAt.Format "2006-01-02 15:04:05"}}</div>
    </div>
    {{with .Pipeline}}
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6 text-sm">
        <h2 class="text-lg font-bold mb-4">Decision Log</h2>
        <div>Queue {{.Depth}} / {{.Capacity}}</div>
        <div class="text-gray-400">{{.Flushed}} written, {{.Dropped}} dropped, {{.Failed}} failed</div>
    </div>
    {{end}}
</div>
` + footHTML

const decisionsHTML = headHTML + `
<div class="flex justify-between items-center mb-6">
    <h1 class="text-2xl font-bold">Decisions</h1>
    <span class="text-sm text-gray-400">Live updates via SSE</span>
</div>
<div class="bg-gray-900 border border-gray-700 rounded-lg overflow-hidden">
    <table class="w-full text-sm text-left">
        <thead class="bg-gray-800 text-gray-400 uppercase text-xs">
            <tr>
                <th class="px-4 py-3">Time</th>
                <th class="px-4 py-3">Method</th>
                <th class="px-4 py-3">Type</th>
                <th class="px-4 py-3">URL</th>
                <th class="px-4 py-3">Decision</th>
                <th class="px-4 py-3">Rule</th>
            </tr>
        </thead>
        <tbody id="decision-table"
               hx-ext="sse"
               sse-connect="/decisions/stream"
               sse-swap="decision"
               hx-swap="afterbegin">
            {{range .Entries}}
            <tr class="border-b border-gray-700 hover:bg-gray-800">
                <td class="px-4 py-2 text-gray-400 text-xs">{{.EvaluatedAt.Format "15:04:05"}}</td>
                <td class="px-4 py-2">{{.Request.Method}}</td>
                <td class="px-4 py-2">{{.Request.ResourceType}}</td>
                <td class="px-4 py-2 font-mono text-xs max-w-xs truncate">{{truncate .Request.URL 80}}</td>
                <td class="px-4 py-2">
                    {{if .Decision.ShouldBlock}}<span class="px-2 py-1 rounded text-xs font-bold bg-red-900 text-red-300">BLOCK</span>
                    {{else if .Decision.Injections}}<span class="px-2 py-1 rounded text-xs font-bold bg-blue-900 text-blue-300">INJECT</span>
                    {{else}}<span class="px-2 py-1 rounded text-xs font-bold bg-green-900 text-green-300">ALLOW</span>{{end}}
                </td>
                <td class="px-4 py-2 text-gray-400 text-xs">{{.Decision.BlockedByRuleID}}</td>
            </tr>
            {{end}}
        </tbody>
    </table>
</div>
` + footHTML

const rulesHTML = headHTML + `
<h1 class="text-2xl font-bold mb-2">Active Rules</h1>
<p class="text-gray-400 text-sm mb-6">Snapshot v{{.Snapshot.Version}}, {{.Snapshot.RuleCount}} rules in evaluation order</p>
<div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
    <pre class="font-mono text-sm text-gray-300 whitespace-pre-wrap">{{.RulesYAML}}</pre>
</div>
` + footHTML
