package browser

import (
	"encoding/json"
	"fmt"
)

// targetAttr marks the element a resolution script picked so the driver
// can act on it with a plain CSS selector.
const targetAttr = "data-browserd-target"

// Resolution strategies, in the order they are tried.
const (
	resolvedCSS   = "css"
	resolvedXPath = "xpath"
	resolvedField = "field"
	resolvedText  = "text"
	resolvedAria  = "aria"
)

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// resolveScript finds the element target refers to and tags it with token.
// It evaluates to the name of the strategy that matched, or "" when none did.
// With fields set, inputs are also matched by name and placeholder.
func resolveScript(target, token string, fields bool) string {
	return fmt.Sprintf(`(() => {
  const target = %s;
  const token = %s;
  const fields = %t;
  const attr = %s;
  const mark = (el, how) => {
    document.querySelectorAll('[' + attr + ']').forEach(e => e.removeAttribute(attr));
    el.setAttribute(attr, token);
    return how;
  };
  try {
    const el = document.querySelector(target);
    if (el) return mark(el, %s);
  } catch (e) {}
  try {
    const r = document.evaluate(target, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null);
    const node = r.singleNodeValue;
    if (node && node.nodeType === Node.ELEMENT_NODE) return mark(node, %s);
  } catch (e) {}
  const needle = target.trim().toLowerCase();
  if (!needle) return "";
  if (fields) {
    for (const el of document.querySelectorAll('input, textarea, select, [contenteditable="true"]')) {
      const name = (el.getAttribute('name') || '').toLowerCase();
      const placeholder = (el.getAttribute('placeholder') || '').toLowerCase();
      if (name === needle || (placeholder && placeholder.includes(needle))) return mark(el, %s);
    }
  }
  for (const el of document.querySelectorAll('button, a, input[type="submit"], [role="button"]')) {
    const text = String(el.innerText || el.value || el.textContent || '').trim().toLowerCase();
    if (text && text.includes(needle)) return mark(el, %s);
  }
  for (const el of document.querySelectorAll('[aria-label]')) {
    if (el.getAttribute('aria-label') === target) return mark(el, %s);
  }
  return "";
})()`,
		jsString(target), jsString(token), fields, jsString(targetAttr),
		jsString(resolvedCSS), jsString(resolvedXPath), jsString(resolvedField),
		jsString(resolvedText), jsString(resolvedAria))
}

// markedSelector is the CSS selector for an element tagged by resolveScript.
func markedSelector(token string) string {
	return fmt.Sprintf(`[%s=%s]`, targetAttr, jsString(token))
}

// scrollScript scrolls the window by dy pixels.
func scrollScript(dy int) string {
	return fmt.Sprintf(`(() => { window.scrollBy(0, %d); return window.scrollY; })()`, dy)
}

// pageInfoScript collects visible interactive elements, capped at limit.
func pageInfoScript(limit int) string {
	return fmt.Sprintf(`(() => {
  const limit = %d;
  const visible = el => {
    const r = el.getBoundingClientRect();
    const s = window.getComputedStyle(el);
    return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
  };
  const clip = s => String(s || '').replace(/\s+/g, ' ').trim().slice(0, 80);
  const elements = [];
  const nodes = document.querySelectorAll('button, a[href], input, textarea, select, [role="button"]');
  for (const el of nodes) {
    if (elements.length >= limit) break;
    if (!visible(el)) continue;
    const tag = el.tagName.toLowerCase();
    elements.push({
      index: elements.length,
      tag: tag,
      type: el.getAttribute('type') || '',
      text: clip(el.innerText || el.value || ''),
      href: tag === 'a' ? el.href : '',
      name: el.getAttribute('name') || '',
      placeholder: el.getAttribute('placeholder') || '',
      ariaLabel: el.getAttribute('aria-label') || '',
    });
  }
  return { url: location.href, title: document.title, elements: elements };
})()`, limit)
}
