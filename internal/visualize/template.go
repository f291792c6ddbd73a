package visualize

import "html/template"

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="zh">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", "PingFang SC", "Microsoft YaHei", sans-serif; margin: 24px; color: #202124; }
h1 { font-size: 20px; }
h2 { font-size: 16px; color: #5f6368; }
.ce-doc { margin-bottom: 40px; }
.ce-legend { margin: 8px 0 16px; }
.ce-legend span { display: inline-block; padding: 2px 8px; margin: 2px 4px 2px 0; border-radius: 4px; font-size: 13px; }
.ce-text { white-space: pre-wrap; line-height: 1.9; padding: 12px; border: 1px solid #dadce0; border-radius: 6px; max-height: 420px; overflow-y: auto; }
.ce-span { border-radius: 3px; padding: 1px 0; cursor: help; }
.ce-span.ce-active { outline: 2px solid #1a73e8; }
.ce-controls { margin: 12px 0; }
.ce-controls button { margin-right: 6px; padding: 4px 12px; }
.ce-controls input { width: 56px; }
.ce-info { padding: 8px 12px; background: #f8f9fa; border-radius: 6px; min-height: 72px; font-size: 14px; }
.ce-empty { color: #5f6368; font-style: italic; }
table { border-collapse: collapse; margin-top: 16px; font-size: 13px; }
th, td { border: 1px solid #dadce0; padding: 4px 8px; text-align: left; vertical-align: top; }
th { background: #f1f3f4; }
{{range $i, $c := .Palette}}.ce-c{{$i}} { background-color: {{$c}}; }
{{end}}</style>
<script>
function cePlayer(root, items, speed) {
  var pos = 0, timer = null;
  var info = root.querySelector(".ce-info");
  var counter = root.querySelector(".ce-counter");
  var playBtn = root.querySelector(".ce-play");
  var speedInput = root.querySelector(".ce-speed");

  function line(label, value) {
    var d = document.createElement("div");
    var b = document.createElement("b");
    b.textContent = label + ": ";
    d.appendChild(b);
    d.appendChild(document.createTextNode(value));
    info.appendChild(d);
  }
  function show(i) {
    if (!items || items.length === 0) { return; }
    pos = (i + items.length) % items.length;
    root.querySelectorAll(".ce-span.ce-active").forEach(function (el) { el.classList.remove("ce-active"); });
    var it = items[pos];
    if (it.shown) {
      var el = root.querySelector(".ce-span[data-item='" + it.index + "']");
      if (el) { el.classList.add("ce-active"); el.scrollIntoView({block: "nearest"}); }
    }
    info.textContent = "";
    line("Class", it.class);
    line("Text", it.text);
    line("Position", it.position);
    if (it.attrs) { line("Attributes", it.attrs); }
    counter.textContent = (pos + 1) + " / " + items.length;
  }
  function interval() {
    var v = parseFloat(speedInput.value);
    return (v > 0 ? v : speed) * 1000;
  }
  function stop() {
    if (timer) { clearInterval(timer); timer = null; playBtn.textContent = "Play"; }
  }
  root.querySelector(".ce-prev").onclick = function () { stop(); show(pos - 1); };
  root.querySelector(".ce-next").onclick = function () { stop(); show(pos + 1); };
  playBtn.onclick = function () {
    if (timer) { stop(); return; }
    playBtn.textContent = "Pause";
    timer = setInterval(function () { show(pos + 1); }, interval());
  };
  show(0);
}
</script>
</head>
<body>
<h1>{{.Title}}</h1>
{{if not .Docs}}<p class="ce-empty">No extractions to display.</p>{{end}}
{{range $i, $d := .Docs}}
<div class="ce-doc" id="ce-doc-{{$i}}">
<h2>{{$d.ID}}</h2>
{{if $d.Empty}}
<p class="ce-empty">No extractions to display.</p>
{{if $d.Text}}<div class="ce-text">{{$d.Text}}</div>{{end}}
{{else}}
{{if $.ShowLegend}}<div class="ce-legend">{{range $d.Legend}}<span class="ce-c{{.Color}}">{{.Class}} ({{.Count}})</span>{{end}}</div>{{end}}
<div class="ce-text">{{range $d.Segments}}{{if .Highlight}}<span class="ce-span ce-c{{.Color}}" data-item="{{.Item}}" title="{{.Title}}">{{.Text}}</span>{{else}}{{.Text}}{{end}}{{end}}</div>
<div class="ce-controls">
<button class="ce-prev" type="button">Prev</button>
<button class="ce-play" type="button">Play</button>
<button class="ce-next" type="button">Next</button>
<label>Speed (s) <input class="ce-speed" type="number" min="0.1" step="0.1" value="{{$.Speed}}"></label>
<span class="ce-counter"></span>
</div>
<div class="ce-info"></div>
<table>
<thead><tr><th>#</th><th>Class</th><th>Text</th><th>Position</th><th>Alignment</th><th>Attributes</th></tr></thead>
<tbody>
{{range $d.Rows}}<tr><td>{{.Index}}</td><td><span class="ce-c{{.Color}}">{{.Class}}</span></td><td>{{.Text}}</td><td>{{.Position}}</td><td>{{.Status}}</td><td>{{.Attrs}}</td></tr>
{{end}}</tbody>
</table>
<script>cePlayer(document.getElementById("ce-doc-{{$i}}"), {{$d.Player}}, {{$.Speed}});</script>
{{end}}
</div>
{{end}}
</body>
</html>
`))
