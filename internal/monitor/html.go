package monitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Capture Engine Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: monospace; margin: 16px; background: #111; color: #ddd; }
        h2 { margin: 12px 0 6px; font-size: 14px; color: #8cf; }
        table { border-collapse: collapse; }
        td, th { border: 1px solid #333; padding: 2px 8px; text-align: left; }
        #events { height: 320px; overflow-y: auto; white-space: pre; background: #000; padding: 6px; }
        .recovery_done { color: #fc6; }
        .error { color: #f66; }
    </style>
</head>
<body>
    <h2>Hardware contexts</h2>
    <table id="bindings"><tr><th>hw</th><th>session</th><th>users</th><th>sequencer</th></tr></table>

    <h2>Sessions</h2>
    <table id="sessions"><tr><th>index</th><th>state</th><th>hw</th><th>delivered</th><th>dropped</th><th>returned</th></tr></table>

    <h2>Last recovery</h2>
    <div id="recovery">none</div>

    <h2>Events <button onclick="reset()">reset device</button></h2>
    <div id="events"></div>

    <script>
        function row(cells) {
            const tr = document.createElement('tr');
            for (const c of cells) {
                const td = document.createElement('td');
                td.textContent = c;
                tr.appendChild(td);
            }
            return tr;
        }

        function render(dev) {
            const b = document.getElementById('bindings');
            while (b.rows.length > 1) b.deleteRow(1);
            for (const x of dev.bindings || []) {
                b.appendChild(row([x.HW, x.Session < 0 ? '-' : x.Session, x.Users, x.Sequencer < 0 ? '-' : x.Sequencer]));
            }
            const s = document.getElementById('sessions');
            while (s.rows.length > 1) s.deleteRow(1);
            for (const x of dev.sessions || []) {
                s.appendChild(row([x.index, x.state, x.hw < 0 ? '-' : x.hw, x.stats.delivered, x.stats.dropped, x.stats.returned]));
            }
            const r = dev.last_recovery;
            document.getElementById('recovery').textContent = r
                ? r.cause + ' (' + (r.duration / 1e6).toFixed(1) + ' ms, sessions ' + (r.sessions || []).join(',') + ')'
                : 'none';
        }

        const status = new EventSource('/api/status/stream');
        status.onmessage = (e) => render(JSON.parse(e.data).device);

        const log = document.getElementById('events');
        const events = new EventSource('/api/events?kind=buffer_returned,error,recovery_done');
        for (const kind of ['buffer_returned', 'error', 'recovery_done']) {
            events.addEventListener(kind, (e) => {
                const line = document.createElement('div');
                line.className = kind;
                line.textContent = new Date().toISOString() + ' ' + e.data;
                log.prepend(line);
                while (log.childNodes.length > 200) log.removeChild(log.lastChild);
            });
        }

        function reset() {
            fetch('/api/reset?reason=operator', { method: 'POST' });
        }
    </script>
</body>
</html>
`
