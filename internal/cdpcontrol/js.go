package cdpcontrol

import (
	"encoding/json"

	"github.com/dgnsrekt/tabmute/internal/mute"
)

// bindingName is the page function that reports mute flag changes back to
// the attached session as Runtime.bindingCalled events.
const bindingName = "__tabmuteNotify"

// jsInstall sets up window.__tabmute once per document. The page-side state
// keeps every audio/video element at the tab's mute flag, including elements
// added later, and flips the flag off when the page itself unmutes media.
const jsInstall = `if (!window.__tabmute) {
const st = { muted: false };
const notify = () => {
  try {
    if (typeof window.` + bindingName + ` === "function") {
      window.` + bindingName + `(JSON.stringify({ muted: st.muted }));
    }
  } catch (_) {}
};
const apply = (el) => { if (el.muted !== st.muted) el.muted = st.muted; };
const applyAll = () => document.querySelectorAll("audio,video").forEach(apply);
document.addEventListener("volumechange", (ev) => {
  const el = ev.target;
  if (!st.muted || !(el instanceof HTMLMediaElement) || el.muted) return;
  st.muted = false;
  notify();
}, true);
document.addEventListener("play", (ev) => {
  if (st.muted && ev.target instanceof HTMLMediaElement) apply(ev.target);
}, true);
new MutationObserver(() => { if (st.muted) applyAll(); })
  .observe(document.documentElement || document, { childList: true, subtree: true });
window.__tabmute = {
  get muted() { return st.muted; },
  set(m) {
    const changed = st.muted !== m;
    st.muted = m;
    applyAll();
    if (changed) notify();
    return changed;
  },
};
}
`

func jsProbe() string {
	return wrapJSEval(jsInstall + `return JSON.stringify({ok:true,data:{
muted: window.__tabmute.muted,
visible: document.visibilityState === "visible",
focused: document.hasFocus(),
}});`)
}

func jsSetMuted(muted bool) string {
	return wrapJSEval(jsInstall + `window.__tabmute.set(` + jsJSON(muted) + `);
return JSON.stringify({ok:true,data:{muted: window.__tabmute.muted}});`)
}

func jsJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// wrapJSEval wraps body in an IIFE that reports thrown errors as a failed
// envelope.
func wrapJSEval(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + mute.CodeCommandFailure + `",error_message:String(err && err.message || err)});
}
})()`
}
