package cdpcontrol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgnsrekt/pagecopy/internal/control"
	"github.com/dgnsrekt/pagecopy/internal/target"
)

// DefaultBindingName is the window function the injected controls call.
const DefaultBindingName = "__pageCopierEmit"

// ClipboardAlertMessage is shown in a blocking dialog when the copy fails.
const ClipboardAlertMessage = "Could not copy to clipboard. Check browser console (F12) for errors."

const installedFlag = "__pageCopierInstalled"

const baseStyle = `
.gm-copy-content-button {
  position: fixed;
  padding: 10px 15px;
  background-color: #007bff;
  color: white;
  border: none;
  border-radius: 5px;
  cursor: pointer;
  z-index: 2147483646;
  font-size: 14px;
  box-shadow: 0 2px 5px rgba(0,0,0,0.2);
  transition: background-color 0.3s ease;
  margin-bottom: 5px;
}
.gm-copy-content-button:hover { background-color: #0056b3; }
.gm-copy-content-button.gm-copied { background-color: #28a745; }
.gm-copy-content-button.gm-error { background-color: #dc3545; }
`

// styleSheet returns the static style block plus one position rule per control.
func styleSheet(targets []target.Descriptor) string {
	var b strings.Builder
	b.WriteString(baseStyle)
	for _, t := range targets {
		fmt.Fprintf(&b, "#%s { bottom: %dpx; right: %dpx; }\n", t.ControlID, t.Position.Bottom, t.Position.Right)
	}
	return b.String()
}

type scriptTarget struct {
	ControlID string `json:"control_id"`
	Label     string `json:"label"`
}

// jsInstall builds the per-document installer. It only acts on URLs matching
// one of patternExprs, runs at most once per document, and waits for
// DOMContentLoaded when the body is not attached yet.
func jsInstall(binding string, patternExprs []string, targets []target.Descriptor) string {
	st := make([]scriptTarget, 0, len(targets))
	for _, t := range targets {
		st = append(st, scriptTarget{ControlID: t.ControlID, Label: t.Label})
	}
	if patternExprs == nil {
		patternExprs = []string{}
	}

	return wrapJSEval(`var BINDING = ` + jsString(binding) + `;
var PATTERNS = ` + jsJSON(patternExprs) + `;
var TARGETS = ` + jsJSON(st) + `;
var CSS = ` + jsString(styleSheet(targets)) + `;
var BUTTON_CLASS = ` + jsString(control.ClassButton) + `;
var FLAG = ` + jsString(installedFlag) + `;
function report(kind, extra) {
  var fn = window[BINDING];
  if (typeof fn !== "function") return;
  var msg = {kind: kind};
  if (extra) { for (var k in extra) { msg[k] = extra[k]; } }
  try { fn(JSON.stringify(msg)); } catch (_) {}
}
var href = String(location.href);
var matched = PATTERNS.length === 0;
for (var i = 0; i < PATTERNS.length && !matched; i++) {
  if (new RegExp(PATTERNS[i]).test(href)) matched = true;
}
if (!matched) return JSON.stringify({ok:true,data:{installed:false,existing:false}});
if (window[FLAG]) return JSON.stringify({ok:true,data:{installed:true,existing:true}});
window[FLAG] = true;
function registerStyle() {
  try {
    var el = document.createElement("style");
    el.setAttribute("data-page-copier", "");
    el.textContent = CSS;
    (document.head || document.documentElement).appendChild(el);
  } catch (e) {
    console.error("[page-copier] Error adding style:", e);
    report("style_error", {message: String(e && e.message || e)});
  }
}
function addControls() {
  if (!document.body) {
    console.warn("[page-copier] document.body not ready, waiting for DOMContentLoaded.");
    window.addEventListener("DOMContentLoaded", addControls, {once: true});
    return;
  }
  registerStyle();
  TARGETS.forEach(function(t) {
    if (document.getElementById(t.control_id)) return;
    var btn = document.createElement("button");
    btn.id = t.control_id;
    btn.type = "button";
    btn.textContent = t.label;
    btn.classList.add(BUTTON_CLASS);
    btn.addEventListener("click", function() {
      report("activate", {control_id: t.control_id});
    });
    document.body.appendChild(btn);
  });
  report("ready", {url: href});
}
if (document.readyState === "interactive" || document.readyState === "complete") {
  addControls();
} else {
  window.addEventListener("DOMContentLoaded", addControls, {once: true});
}
return JSON.stringify({ok:true,data:{installed:true,existing:false}});`)
}

// jsExtract resolves loc and reads the element's rendered text.
func jsExtract(loc target.Locator) string {
	lookup := "document.querySelector(" + jsString(loc.Value) + ")"
	if loc.Kind == target.ByID {
		lookup = "document.getElementById(" + jsString(loc.Value) + ")"
	}
	return wrapJSEval(`var el = ` + lookup + `;
if (!el) return JSON.stringify({ok:true,data:{found:false,text:""}});
var text = el.innerText;
if (text === null || text === undefined) text = "";
return JSON.stringify({ok:true,data:{found:true,text:String(text)}});`)
}

// jsRender applies a control view to the injected button.
func jsRender(v control.View) string {
	return wrapJSEval(`var btn = document.getElementById(` + jsString(v.ControlID) + `);
if (!btn) return JSON.stringify({ok:false,error_code:"` + CodeControlNotFound + `",error_message:"control not found: " + ` + jsString(v.ControlID) + `});
btn.textContent = ` + jsString(v.Label) + `;
btn.classList.remove(` + jsString(control.ClassCopied) + `, ` + jsString(control.ClassError) + `);
var cls = ` + jsString(v.Class) + `;
if (cls) btn.classList.add(cls);
return JSON.stringify({ok:true,data:{state:` + jsString(string(v.State)) + `}});`)
}

// jsAlert opens a blocking dialog after the evaluation has returned, so the
// CDP call itself never waits on the user.
func jsAlert(message string) string {
	return wrapJSEval(`setTimeout(function() { window.alert(` + jsString(message) + `); }, 0);
return JSON.stringify({ok:true});`)
}

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jsJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// wrapJSEval wraps body in an IIFE that reports thrown errors through the
// result envelope.
func wrapJSEval(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}

// ExtractScript returns the expression that reads loc's rendered text as a
// JSON envelope. Decode its result with DecodeExtraction.
func ExtractScript(loc target.Locator) string {
	return jsExtract(loc)
}

// DecodeExtraction decodes the result of an ExtractScript evaluation.
func DecodeExtraction(raw string) (Extraction, error) {
	var out Extraction
	if err := decodeEnvelope(raw, &out); err != nil {
		return Extraction{}, err
	}
	return out, nil
}
