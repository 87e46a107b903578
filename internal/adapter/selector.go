package adapter

import (
	"context"
	"encoding/base64"
	"fmt"

	"chatrelay/internal/driver"
)

// Selectors are the CSS selectors a Selector adapter works with.
type Selectors struct {
	Input     string
	Submit    string
	Turn      string
	Busy      string
	Reply     string
	FileInput string
}

// Selector implements Adapter with in-page scripts keyed on CSS selectors.
type Selector struct {
	tab driver.Tab
	sel Selectors
}

// NewSelector binds a selector adapter to tab.
func NewSelector(tab driver.Tab, sel Selectors) *Selector {
	return &Selector{tab: tab, sel: sel}
}

// SelectorBinder returns a Binder producing selector adapters.
func SelectorBinder(sel Selectors) Binder {
	return func(tab driver.Tab) Adapter { return NewSelector(tab, sel) }
}

const setInputJS = `(sel, text) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.focus();
	if (el.isContentEditable) {
		const range = document.createRange();
		range.selectNodeContents(el);
		const selection = window.getSelection();
		selection.removeAllRanges();
		selection.addRange(range);
		document.execCommand('insertText', false, text);
	} else {
		const proto = el.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
		const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
		setter.call(el, text);
		el.dispatchEvent(new Event('input', { bubbles: true }));
	}
	const value = el.isContentEditable ? el.innerText : el.value;
	return (value || '').trim() === text.trim();
}`

func (s *Selector) SetInput(ctx context.Context, text string) (bool, error) {
	if s.sel.Input == "" {
		return false, nil
	}
	var ok bool
	if err := driver.EvalInto(ctx, s.tab, &ok, setInputJS, s.sel.Input, text); err != nil {
		return false, fmt.Errorf("set input: %w", err)
	}
	return ok, nil
}

const submitJS = `(sel, inputSel) => {
	const btn = sel ? document.querySelector(sel) : null;
	if (btn && !btn.disabled) {
		btn.click();
		return true;
	}
	const el = inputSel ? document.querySelector(inputSel) : null;
	if (!el) return false;
	const opts = { key: 'Enter', code: 'Enter', keyCode: 13, which: 13, bubbles: true, cancelable: true };
	el.dispatchEvent(new KeyboardEvent('keydown', opts));
	el.dispatchEvent(new KeyboardEvent('keypress', opts));
	el.dispatchEvent(new KeyboardEvent('keyup', opts));
	return true;
}`

func (s *Selector) TriggerSubmit(ctx context.Context) (bool, error) {
	var ok bool
	if err := driver.EvalInto(ctx, s.tab, &ok, submitJS, s.sel.Submit, s.sel.Input); err != nil {
		return false, fmt.Errorf("trigger submit: %w", err)
	}
	return ok, nil
}

const uploadJS = `(sel, name, mime, b64) => {
	const input = document.querySelector(sel);
	if (!input) return false;
	const bin = atob(b64);
	const bytes = new Uint8Array(bin.length);
	for (let i = 0; i < bin.length; i++) bytes[i] = bin.charCodeAt(i);
	const dt = new DataTransfer();
	dt.items.add(new File([bytes], name, { type: mime }));
	input.files = dt.files;
	input.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`

func (s *Selector) UploadAttachment(ctx context.Context, att Attachment) error {
	if s.sel.FileInput == "" {
		return ErrUnsupported
	}
	name := att.Name
	if name == "" {
		name = "attachment"
	}
	mime := att.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	var ok bool
	b64 := base64.StdEncoding.EncodeToString(att.Data)
	if err := driver.EvalInto(ctx, s.tab, &ok, uploadJS, s.sel.FileInput, name, mime, b64); err != nil {
		return fmt.Errorf("upload attachment: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: file input %q not present", ErrUnsupported, s.sel.FileInput)
	}
	return nil
}

const countJS = `(sel) => document.querySelectorAll(sel).length`

func (s *Selector) CountTurns(ctx context.Context) (int, error) {
	if s.sel.Turn == "" {
		return 0, fmt.Errorf("count turns: %w", ErrUnsupported)
	}
	var n int
	if err := driver.EvalInto(ctx, s.tab, &n, countJS, s.sel.Turn); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

const existsJS = `(sel) => !!document.querySelector(sel)`

func (s *Selector) IsBusy(ctx context.Context) (bool, error) {
	if s.sel.Busy == "" {
		return false, nil
	}
	var busy bool
	if err := driver.EvalInto(ctx, s.tab, &busy, existsJS, s.sel.Busy); err != nil {
		return false, fmt.Errorf("busy check: %w", err)
	}
	return busy, nil
}

const lastTextJS = `(sel) => {
	const els = document.querySelectorAll(sel);
	if (!els.length) return null;
	const last = els[els.length - 1];
	const text = (last.innerText || last.textContent || '').trim();
	return text || null;
}`

func (s *Selector) ExtractText(ctx context.Context) (string, bool, error) {
	if s.sel.Reply == "" {
		return "", false, nil
	}
	var text *string
	if err := driver.EvalInto(ctx, s.tab, &text, lastTextJS, s.sel.Reply); err != nil {
		return "", false, fmt.Errorf("extract text: %w", err)
	}
	if text == nil {
		return "", false, nil
	}
	return *text, true, nil
}

const visibleJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	const r = el.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
}`

// HasInput reports whether the input surface is rendered and visible.
func (s *Selector) HasInput(ctx context.Context) (bool, error) {
	if s.sel.Input == "" {
		return false, nil
	}
	var ok bool
	if err := driver.EvalInto(ctx, s.tab, &ok, visibleJS, s.sel.Input); err != nil {
		return false, fmt.Errorf("input probe: %w", err)
	}
	return ok, nil
}
