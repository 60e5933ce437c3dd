package action

import (
	"encoding/json"
	"fmt"
)

// Every script is an arrow function taking one args object. wrapScript turns
// it into an expression answering {result} or {error}.
const (
	fillFormScript = `(args) => {
  const form = document.querySelector(args.selector);
  if (!form) throw new Error('form not found: ' + args.selector);
  for (const el of args.elements) {
    const input = form.querySelector(el.selector);
    if (!input) throw new Error('field not found: ' + el.selector);
    input.focus();
    if (input.tagName === 'SELECT') {
      const option = Array.from(input.options).find((o) => o.value === el.value || o.text.trim() === el.value);
      input.value = option ? option.value : el.value;
    } else {
      input.value = el.value;
    }
    input.dispatchEvent(new Event('input', { bubbles: true }));
    input.dispatchEvent(new Event('change', { bubbles: true }));
  }
  return true;
}`

	clickScript = `(args) => {
  for (const el of args.elements) {
    const root = el.parent ? document.querySelector(el.parent) : document;
    if (!root) throw new Error('parent not found: ' + el.parent);
    const target = root.querySelector(el.selector);
    if (!target) throw new Error('element not found: ' + el.selector);
    target.click();
  }
  return true;
}`

	extractDOMScript = `(args) => {
  const text = (node) => ((node && (node.innerText || node.textContent)) || '').trim();
  const between = (s, after, before) => {
    if (after) { const i = s.indexOf(after); if (i >= 0) s = s.slice(i + after.length); }
    if (before) { const j = s.indexOf(before); if (j >= 0) s = s.slice(0, j); }
    return s.trim();
  };
  const out = [];
  document.querySelectorAll(args.selector).forEach((item) => {
    const profile = {};
    for (const [name, f] of Object.entries(args.profile)) {
      if (!f.selector) continue;
      if (name === 'profileUrl') {
        const n = item.matches(f.selector) ? item : item.querySelector(f.selector);
        profile[name] = n ? (n.href || n.getAttribute('href') || '') : '';
      } else if (f.findElements) {
        profile[name] = Array.from(item.querySelectorAll(f.selector))
          .map((n) => between(text(n), f.afterText, f.beforeText)).filter(Boolean);
      } else {
        const v = between(text(item.querySelector(f.selector)), f.afterText, f.beforeText);
        profile[name] = f.separator ? v.split(f.separator).map((s) => s.trim()).filter(Boolean) : v;
      }
    }
    out.push(profile);
  });
  return out;
}`

	pageStateScript = `(args) => {
  const checks = (args.checks || []).map((c) => {
    const node = document.querySelector(c.selector || 'body');
    if (c.type === 'element') return !!node;
    if (c.type === 'text') return !!node && (node.innerText || node.textContent || '').includes(c.expect);
    return true;
  });
  return {
    url: location.href,
    title: document.title,
    text: document.body ? (document.body.innerText || '') : '',
    checks: checks,
  };
}`

	captchaInfoScript = `(args) => {
  const el = document.querySelector(args.selector);
  if (!el) throw new Error('captcha element not found: ' + args.selector);
  let key = el.getAttribute('data-sitekey') || '';
  if (!key && el.src) { try { key = new URL(el.src).searchParams.get('k') || ''; } catch (e) {} }
  if (!key) { const inner = el.querySelector('[data-sitekey]'); key = inner ? inner.getAttribute('data-sitekey') : ''; }
  if (!key) throw new Error('captcha site key not found');
  return { siteKey: key, url: location.href, type: args.captchaType || 'recaptcha2' };
}`

	captchaCallbackScript = `(args) => {
  for (const sel of ['#g-recaptcha-response', '[name="g-recaptcha-response"]', '[name="h-captcha-response"]']) {
    document.querySelectorAll(sel).forEach((ta) => { ta.value = args.token; ta.innerHTML = args.token; });
  }
  const findCallback = (obj, depth) => {
    if (!obj || depth > 6) return null;
    for (const k of Object.keys(obj)) {
      const v = obj[k];
      if (k === 'callback' && typeof v === 'function') return v;
      if (v && typeof v === 'object') { const f = findCallback(v, depth + 1); if (f) return f; }
    }
    return null;
  };
  const cfg = window.___grecaptcha_cfg;
  let cb = cfg ? findCallback(cfg.clients, 0) : null;
  if (!cb && args.selector) {
    const el = document.querySelector(args.selector);
    const name = el && el.getAttribute('data-callback');
    if (name && typeof window[name] === 'function') cb = window[name];
  }
  if (cb) cb(args.token);
  return true;
}`
)

// wrapScript builds an expression that calls fn with args and reports
// either {result: value} or {error: message}.
func wrapScript(fn string, args any) (string, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode script args: %w", err)
	}
	return fmt.Sprintf(`(() => {
  try {
    return { result: (%s)(%s) };
  } catch (e) {
    return { error: String((e && e.message) || e) };
  }
})()`, fn, encoded), nil
}
