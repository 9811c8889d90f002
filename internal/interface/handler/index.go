package handler

// indexHTML はダッシュボードのトップページ.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Proxy Dashboard</title>
<style>
body { font-family: 'Segoe UI', sans-serif; background: #f4f5f7; margin: 0; padding: 20px; }
.container { max-width: 1100px; margin: 0 auto; }
h1 { color: #333; }
.cards { display: flex; gap: 15px; flex-wrap: wrap; margin-bottom: 25px; }
.card { background: white; border-radius: 8px; padding: 18px 26px; box-shadow: 0 1px 4px rgba(0,0,0,.1); min-width: 120px; }
.card .value { font-size: 1.9em; font-weight: 600; }
.card .label { color: #777; font-size: .85em; }
table { width: 100%; border-collapse: collapse; background: white; border-radius: 8px; overflow: hidden; box-shadow: 0 1px 4px rgba(0,0,0,.1); }
th, td { padding: 8px 12px; text-align: left; font-size: .85em; border-bottom: 1px solid #eee; }
th { background: #fafafa; color: #555; }
.ALLOWED { color: #2e7d32; font-weight: 600; }
.BLOCKED { color: #c62828; font-weight: 600; }
.ERROR { color: #ef6c00; font-weight: 600; }
</style>
</head>
<body>
<div class="container">
<h1>Proxy Dashboard</h1>
<div class="cards">
<div class="card"><div class="value" id="total">-</div><div class="label">Total</div></div>
<div class="card"><div class="value" id="allowed">-</div><div class="label">Allowed</div></div>
<div class="card"><div class="value" id="blocked">-</div><div class="label">Blocked</div></div>
<div class="card"><div class="value" id="errors">-</div><div class="label">Errors</div></div>
<div class="card"><div class="value" id="connections">-</div><div class="label">Active</div></div>
</div>
<table>
<thead><tr><th>Time</th><th>Verdict</th><th>Client</th><th>Destination</th><th>Request</th><th>Detail</th></tr></thead>
<tbody id="logs"></tbody>
</table>
</div>
<script>
async function refresh() {
  try {
    const [stats, status, logs] = await Promise.all([
      fetch('/api/stats').then(r => r.json()),
      fetch('/api/status').then(r => r.json()),
      fetch('/api/logs?limit=50').then(r => r.json()),
    ]);
    document.getElementById('total').textContent = stats.total;
    document.getElementById('allowed').textContent = stats.allowed;
    document.getElementById('blocked').textContent = stats.blocked;
    document.getElementById('errors').textContent = stats.errors;
    document.getElementById('connections').textContent = status.current_connections;
    document.getElementById('logs').innerHTML = logs.logs.map(l =>
      '<tr><td>' + l.timestamp + '</td><td class="' + (l.verdict || '') + '">' +
      (l.verdict || '') + '</td><td>' + (l.client || '') + '</td><td>' +
      (l.destination || '') + '</td><td>' + (l.request_line || '') + '</td><td>' +
      (l.detail || '') + '</td></tr>').join('');
  } catch (e) { /* proxy may be restarting */ }
}
refresh();
setInterval(refresh, 3000);
</script>
</body>
</html>
`
