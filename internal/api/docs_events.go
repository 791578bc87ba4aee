package api

const eventsDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Event Stream - Page Copier</title>
  <style>
    *, *::before, *::after { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
      display: flex;
      flex-direction: column;
      min-height: 100vh;
    }

    a { color: #58a6ff; text-decoration: none; }
    a:hover { text-decoration: underline; }

    /* ── top nav ── */
    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 0 24px;
      height: 48px;
      display: flex;
      align-items: center;
      gap: 24px;
      flex-shrink: 0;
    }
    nav .brand {
      font-weight: 600;
      font-size: 15px;
      color: #e6edf3;
    }
    nav .sep { color: #484f58; }
    nav .current { color: #e6edf3; font-weight: 500; }
    nav .back { font-size: 13px; }

    /* ── layout ── */
    .layout {
      display: flex;
      flex: 1;
      max-width: 1100px;
      width: 100%;
      margin: 0 auto;
      padding: 0 16px;
    }

    /* ── sidebar ── */
    aside {
      width: 220px;
      flex-shrink: 0;
      padding: 32px 16px 32px 0;
      position: sticky;
      top: 0;
      height: calc(100vh - 48px);
      overflow-y: auto;
    }
    aside h4 {
      margin: 0 0 8px;
      font-size: 11px;
      font-weight: 600;
      text-transform: uppercase;
      letter-spacing: .08em;
      color: #8b949e;
    }
    aside ul {
      list-style: none;
      margin: 0 0 24px;
      padding: 0;
    }
    aside ul li a {
      display: block;
      padding: 4px 8px;
      border-radius: 4px;
      font-size: 13px;
      color: #8b949e;
    }
    aside ul li a:hover {
      background: #21262d;
      color: #c9d1d9;
      text-decoration: none;
    }

    /* ── main content ── */
    main {
      flex: 1;
      padding: 32px 0 64px 32px;
      border-left: 1px solid #21262d;
      min-width: 0;
    }

    h1 {
      margin: 0 0 8px;
      font-size: 28px;
      font-weight: 600;
      color: #e6edf3;
    }
    .subtitle {
      color: #8b949e;
      margin: 0 0 36px;
      font-size: 15px;
    }

    h2 {
      margin: 40px 0 12px;
      font-size: 18px;
      font-weight: 600;
      color: #e6edf3;
      padding-bottom: 8px;
      border-bottom: 1px solid #21262d;
    }
    h3 {
      margin: 28px 0 10px;
      font-size: 15px;
      font-weight: 600;
      color: #e6edf3;
    }

    p { margin: 0 0 12px; }

    /* ── method + path badge ── */
    .endpoint {
      display: inline-flex;
      align-items: center;
      gap: 10px;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 10px 16px;
      margin-bottom: 20px;
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 14px;
    }
    .method {
      background: #1f6feb;
      color: #fff;
      font-weight: 700;
      font-size: 11px;
      padding: 2px 7px;
      border-radius: 4px;
      letter-spacing: .04em;
    }
    .path { color: #e6edf3; }

    /* ── tables ── */
    table {
      width: 100%;
      border-collapse: collapse;
      margin-bottom: 20px;
      font-size: 13px;
    }
    th {
      text-align: left;
      padding: 8px 12px;
      background: #161b22;
      color: #8b949e;
      font-weight: 600;
      border-bottom: 1px solid #30363d;
    }
    td {
      padding: 8px 12px;
      border-bottom: 1px solid #21262d;
      vertical-align: top;
    }
    tr:last-child td { border-bottom: none; }
    code {
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 12px;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 3px;
      padding: 1px 5px;
      color: #e6edf3;
    }

    /* ── code blocks ── */
    pre {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 16px;
      overflow-x: auto;
      margin: 0 0 20px;
    }
    pre code {
      background: none;
      border: none;
      padding: 0;
      font-size: 13px;
      line-height: 1.6;
      color: #c9d1d9;
    }

    /* ── callout ── */
    .callout {
      background: #161b22;
      border-left: 3px solid #1f6feb;
      border-radius: 0 6px 6px 0;
      padding: 12px 16px;
      margin-bottom: 20px;
      font-size: 13px;
    }
    .callout.warning { border-color: #d29922; }
    .callout strong { color: #e6edf3; }

    /* ── feed cards ── */
    .feed-card {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 8px;
      padding: 16px 20px;
      margin-bottom: 14px;
    }
    .feed-card h3 { margin: 0 0 10px; font-size: 14px; }
    .feed-card code { font-size: 13px; }
    .feed-meta {
      display: flex;
      flex-wrap: wrap;
      gap: 8px;
      margin-bottom: 10px;
      font-size: 12px;
    }
    .feed-meta span { color: #8b949e; }
    .tag {
      background: #21262d;
      border: 1px solid #30363d;
      border-radius: 3px;
      padding: 1px 6px;
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 11px;
      color: #8b949e;
    }

    /* ── SSE format visualization ── */
    .sse-block {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 16px;
      margin-bottom: 20px;
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 13px;
      line-height: 1.8;
    }
    .sse-key { color: #79c0ff; }
    .sse-value { color: #a5d6ff; }
    .sse-comment { color: #484f58; }
  </style>
</head>
<body>

<nav>
  <span class="brand">Page Copier</span>
  <span class="sep">/</span>
  <span class="current">Event Stream</span>
  <a class="back" href="/docs">REST API Docs</a>
</nav>

<div class="layout">

  <aside>
    <h4>On this page</h4>
    <ul>
      <li><a href="#overview">Overview</a></li>
      <li><a href="#endpoint">Endpoint</a></li>
      <li><a href="#types">Event Types</a></li>
      <li><a href="#examples">Examples</a></li>
      <li><a href="#notes">Notes</a></li>
    </ul>
  </aside>

  <main>
    <h1>Event Stream</h1>
    <p class="subtitle">Follow copy controls across every attached page via Server-Sent Events.</p>

    <h2 id="overview">Overview</h2>
    <p>
      Every control transition, every finished activation and every page lifecycle change
      is published on one SSE stream. A control shows a result state after an activation
      and returns to idle after the revert delay; both transitions appear as
      <code>control</code> events.
    </p>

    <h2 id="endpoint">Endpoint</h2>
    <div class="endpoint">
      <span class="method">GET</span>
      <span class="path">/api/v1/events</span>
    </div>

    <h3>Query Parameters</h3>
    <table>
      <thead>
        <tr><th>Name</th><th>Type</th><th>Required</th><th>Description</th></tr>
      </thead>
      <tbody>
        <tr>
          <td><code>types</code></td>
          <td>string</td>
          <td>No</td>
          <td>
            Comma-separated list of event types to receive. Omit to receive all.
            Example: <code>?types=outcome</code>
          </td>
        </tr>
      </tbody>
    </table>

    <h2 id="types">Event Types</h2>
    <div class="feed-card">
      <h3><code>control</code></h3>
      <p>A control was rendered: <code>tab_id</code>, <code>control_id</code>, <code>label</code>,
      <code>state</code> (idle, success, empty, not-found, error) and <code>class</code>.</p>
    </div>
    <div class="feed-card">
      <h3><code>outcome</code></h3>
      <p>An activation finished. Same shape as entries of <code>GET /api/v1/history</code>.</p>
    </div>
    <div class="feed-card">
      <h3><code>page</code></h3>
      <p>Controls became ready in a new document, a tab closed, or the page rejected the style block.</p>
    </div>

    <div class="sse-block">
      <span class="sse-key">event:</span> <span class="sse-value">control</span><br>
      <span class="sse-key">data:</span> <span class="sse-value">{"tab_id":"7F1C...","control_id":"gm-copy-ftwp-button","label":"Copied!","state":"success","class":"gm-copied"}</span><br>
      <br>
      <span class="sse-key">event:</span> <span class="sse-value">outcome</span><br>
      <span class="sse-key">data:</span> <span class="sse-value">{"id":"b3c1...","tab_id":"7F1C...","control_id":"gm-copy-ftwp-button","state":"success","chars":5120,...}</span><br>
    </div>

    <h2 id="examples">Examples</h2>
    <pre><code>const sse = new EventSource('http://127.0.0.1:8190/api/v1/events?types=outcome');
sse.addEventListener('outcome', (e) => console.log(JSON.parse(e.data)));</code></pre>
    <pre><code>curl -N http://127.0.0.1:8190/api/v1/events</code></pre>

    <h2 id="notes">Notes</h2>
    <ul>
      <li>
        <strong>Back-pressure:</strong> each subscriber has a 256-event buffer. Slow clients
        have events dropped.
      </li>
      <li>
        <strong>Authentication:</strong> none. Keep the bind address on <code>127.0.0.1</code>.
      </li>
    </ul>

  </main>
</div>

</body>
</html>`
