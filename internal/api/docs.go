package api

// docsHTML renders the OpenAPI document under a bar that links the pieces
// the OpenAPI view cannot show: the event stream and the raw spec.
const docsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Page Copier API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { height: 100vh; margin: 0; display: flex; flex-direction: column; background: #0d1117; }
    .copier-bar {
      display: flex;
      align-items: center;
      gap: 16px;
      padding: 8px 16px;
      background: #161b22;
      border-bottom: 1px solid #30363d;
      color: #c9d1d9;
      font: 13px -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
    }
    .copier-bar strong { color: #f0f6fc; }
    .copier-bar code { color: #79c0ff; }
    .copier-bar a { color: #58a6ff; text-decoration: none; }
    .copier-bar .links { margin-left: auto; display: flex; gap: 12px; }
    elements-api { flex: 1; min-height: 0; }
  </style>
</head>
<body>
  <div class="copier-bar">
    <strong>Page Copier</strong>
    <span>Copy a page's article text: <code>POST /api/v1/pages/{tab_id}/controls/{control_id}/activate</code></span>
    <span class="links">
      <a href="/docs/events">Event stream</a>
      <a href="/openapi.json">openapi.json</a>
    </span>
  </div>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    hideExport
    darkMode
  />
</body>
</html>`
