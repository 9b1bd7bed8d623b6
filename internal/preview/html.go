package preview

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Live Detection</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        img { width: 100%; height: auto; background: #000; display: block; }
        #message.active { color: #8ab4f8; }
        #message.connected { color: #81c995; }
        #message.error { color: #f28b82; }
        button, select, input { margin: 4px 0; }
        label { display: block; margin-top: 8px; }
        .chip { display: inline-block; padding: 2px 6px; margin: 2px; border-radius: 4px; color: #fff; }
    </style>
</head>
<body>
<div class="app">
    <div class="panel">
        <img id="stream" src="/stream" alt="Live preview">
        <p id="message">--</p>
        <div id="detections"></div>
    </div>
    <div class="panel">
        <label>Mode
            <select id="mode">
                <option value="camera">Camera</option>
                <option value="screen">Screen</option>
            </select>
        </label>
        <div>
            <button data-post="/api/source/start">Start source</button>
            <button data-post="/api/source/stop">Stop source</button>
        </div>
        <div>
            <button data-post="/api/connect">Connect</button>
            <button data-post="/api/disconnect">Disconnect</button>
        </div>
        <label><input type="checkbox" id="mirror"> Mirror</label>

        <label>Model
            <select id="model">
                <option>yolov8n</option>
                <option>yolov8s</option>
                <option>yolov8m</option>
                <option>yolov8l</option>
                <option>yolov8x</option>
            </select>
        </label>
        <label>Confidence <span id="confidence-value"></span>
            <input type="range" id="confidence" min="0" max="1" step="0.05">
        </label>
        <label>IoU <span id="iou-value"></span>
            <input type="range" id="iou" min="0" max="1" step="0.05">
        </label>
        <label>Max detections
            <input type="number" id="maxDetections" min="1" max="100">
        </label>

        <div>
            <button data-post="/api/snapshots/start">Record snapshots</button>
            <button data-post="/api/snapshots/stop">Stop recording</button>
        </div>
        <pre id="stats"></pre>
    </div>
</div>
<script>
    const $ = (id) => document.getElementById(id);
    let colors = {};

    async function post(path, body) {
        const res = await fetch(path, {
            method: 'POST',
            headers: {'Content-Type': 'application/json'},
            body: body ? JSON.stringify(body) : undefined,
        });
        const data = await res.json();
        if (!res.ok) console.warn(path, data.error);
        refresh();
        return data;
    }

    function render(status) {
        const msg = $('message');
        msg.textContent = status.message.text;
        msg.className = status.message.tone;
        $('mode').value = status.mode;
        $('mirror').checked = status.mirrored;
        $('model').value = status.settings.model;
        $('confidence').value = status.settings.confidence;
        $('confidence-value').textContent = status.settings.confidence.toFixed(2);
        $('iou').value = status.settings.iou;
        $('iou-value').textContent = status.settings.iou.toFixed(2);
        $('maxDetections').value = status.settings.maxDetections;
        colors = status.label_colors || {};
        $('stats').textContent = JSON.stringify({
            connection: status.connection,
            size: status.width + 'x' + status.height,
            pump: status.pump,
            client: status.client,
        }, null, 2);
    }

    function renderDetections(detections) {
        const el = $('detections');
        el.innerHTML = '';
        for (const d of detections) {
            const chip = document.createElement('span');
            chip.className = 'chip';
            chip.style.background = colors[d.label] || '#444';
            chip.textContent = d.label + ' ' + Math.round(d.confidence * 100) + '%';
            el.appendChild(chip);
        }
    }

    async function refresh() {
        const res = await fetch('/api/status');
        render(await res.json());
    }

    document.querySelectorAll('[data-post]').forEach((b) => {
        b.addEventListener('click', () => post(b.dataset.post));
    });
    $('mode').addEventListener('change', (e) => post('/api/mode', {mode: e.target.value}));
    $('mirror').addEventListener('change', (e) => post('/api/mirror', {mirrored: e.target.checked}));
    $('model').addEventListener('change', (e) => post('/api/settings', {model: e.target.value}));
    $('confidence').addEventListener('change', (e) => post('/api/settings', {confidence: parseFloat(e.target.value)}));
    $('iou').addEventListener('change', (e) => post('/api/settings', {iou: parseFloat(e.target.value)}));
    $('maxDetections').addEventListener('change', (e) => post('/api/settings', {maxDetections: parseInt(e.target.value, 10)}));

    new EventSource('/api/status/stream').onmessage = (e) => render(JSON.parse(e.data));
    new EventSource('/api/detections/stream').onmessage = (e) => renderDetections(JSON.parse(e.data).detections);
    refresh();
</script>
</body>
</html>
`
