package browser

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/xkilldash9x/lookout/api/schemas"
)

// -- Action Translation --
// translate turns one planner action into the CDP calls that perform it. It touches no
// browser state, so the mapping can be checked without a running Chrome.

// waitAction pauses for the given duration or until the context ends.
type waitAction time.Duration

func (w waitAction) Do(ctx context.Context) error {
	timer := time.NewTimer(time.Duration(w))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// navigateAction loads a URL in the current tab.
type navigateAction string

func (n navigateAction) Do(ctx context.Context) error {
	return chromedp.Navigate(string(n)).Do(ctx)
}

func translate(action schemas.ComputerAction) ([]chromedp.Action, error) {
	switch action.Type {
	case schemas.ComputerClick:
		return clickEvents(action, 1)
	case schemas.ComputerDoubleClick:
		return clickEvents(action, 2)
	case schemas.ComputerMove:
		return []chromedp.Action{mouseMove(action.X, action.Y, input.None)}, nil
	case schemas.ComputerScroll:
		return []chromedp.Action{
			mouseMove(action.X, action.Y, input.None),
			input.DispatchMouseEvent(input.MouseWheel, action.X, action.Y).
				WithDeltaX(action.ScrollX).
				WithDeltaY(action.ScrollY),
		}, nil
	case schemas.ComputerDrag:
		return dragEvents(action.Path)
	case schemas.ComputerType:
		if action.Text == "" {
			return nil, nil
		}
		return []chromedp.Action{input.InsertText(action.Text)}, nil
	case schemas.ComputerKeypress:
		return keyEvents(action.Keys)
	case schemas.ComputerWait:
		return []chromedp.Action{waitAction(action.Duration)}, nil
	case schemas.ComputerNavigate:
		if action.URL == "" {
			return nil, fmt.Errorf("navigate action requires a url")
		}
		return []chromedp.Action{navigateAction(action.URL)}, nil
	case schemas.ComputerScreenshot:
		// The loop captures a screenshot after every action anyway.
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported action type %q", action.Type)
	}
}

func mouseMove(x, y float64, button input.MouseButton) *input.DispatchMouseEventParams {
	return input.DispatchMouseEvent(input.MouseMoved, x, y).WithButton(button)
}

func clickEvents(action schemas.ComputerAction, clicks int64) ([]chromedp.Action, error) {
	button, err := mouseButton(action.Button)
	if err != nil {
		return nil, err
	}
	out := []chromedp.Action{mouseMove(action.X, action.Y, input.None)}
	for n := int64(1); n <= clicks; n++ {
		out = append(out,
			input.DispatchMouseEvent(input.MousePressed, action.X, action.Y).WithButton(button).WithClickCount(n),
			input.DispatchMouseEvent(input.MouseReleased, action.X, action.Y).WithButton(button).WithClickCount(n),
		)
	}
	return out, nil
}

func dragEvents(path []schemas.Point) ([]chromedp.Action, error) {
	if len(path) < 2 {
		return nil, fmt.Errorf("drag requires at least two points, got %d", len(path))
	}
	start, end := path[0], path[len(path)-1]
	out := []chromedp.Action{
		mouseMove(start.X, start.Y, input.None),
		input.DispatchMouseEvent(input.MousePressed, start.X, start.Y).WithButton(input.Left).WithClickCount(1),
	}
	for _, p := range path[1:] {
		out = append(out, mouseMove(p.X, p.Y, input.Left))
	}
	out = append(out, input.DispatchMouseEvent(input.MouseReleased, end.X, end.Y).WithButton(input.Left).WithClickCount(1))
	return out, nil
}

func mouseButton(name string) (input.MouseButton, error) {
	switch strings.ToLower(name) {
	case "", "left":
		return input.Left, nil
	case "right":
		return input.Right, nil
	case "middle", "wheel":
		return input.Middle, nil
	case "back":
		return input.Back, nil
	case "forward":
		return input.Forward, nil
	default:
		return input.None, fmt.Errorf("unsupported mouse button %q", name)
	}
}

// -- Keyboard --

var namedKeys = map[string]string{
	"ENTER":      kb.Enter,
	"RETURN":     kb.Enter,
	"ESC":        kb.Escape,
	"ESCAPE":     kb.Escape,
	"TAB":        kb.Tab,
	"BACKSPACE":  kb.Backspace,
	"DELETE":     kb.Delete,
	"INSERT":     kb.Insert,
	"SPACE":      " ",
	"UP":         kb.ArrowUp,
	"ARROWUP":    kb.ArrowUp,
	"DOWN":       kb.ArrowDown,
	"ARROWDOWN":  kb.ArrowDown,
	"LEFT":       kb.ArrowLeft,
	"ARROWLEFT":  kb.ArrowLeft,
	"RIGHT":      kb.ArrowRight,
	"ARROWRIGHT": kb.ArrowRight,
	"HOME":       kb.Home,
	"END":        kb.End,
	"PAGEUP":     kb.PageUp,
	"PAGEDOWN":   kb.PageDown,
}

var modifierKeys = map[string]input.Modifier{
	"CTRL":    input.ModifierCtrl,
	"CONTROL": input.ModifierCtrl,
	"ALT":     input.ModifierAlt,
	"OPTION":  input.ModifierAlt,
	"SHIFT":   input.ModifierShift,
	"META":    input.ModifierMeta,
	"CMD":     input.ModifierMeta,
	"COMMAND": input.ModifierMeta,
	"SUPER":   input.ModifierMeta,
	"WIN":     input.ModifierMeta,
}

// keyEvents presses a chord. Modifiers anywhere in keys apply to every other key,
// e.g. ["CTRL", "A"] selects all.
func keyEvents(keys []string) ([]chromedp.Action, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keypress requires at least one key")
	}

	var mods input.Modifier
	var runes []rune
	for _, k := range keys {
		upper := strings.ToUpper(strings.TrimSpace(k))
		if m, ok := modifierKeys[upper]; ok {
			mods |= m
			continue
		}
		r, err := keyRune(k, upper)
		if err != nil {
			return nil, err
		}
		runes = append(runes, r)
	}
	if len(runes) == 0 {
		return nil, fmt.Errorf("keypress %v contains only modifiers", keys)
	}

	// A chord with a command modifier must not also insert text.
	suppressText := mods&(input.ModifierCtrl|input.ModifierAlt|input.ModifierMeta) != 0

	var out []chromedp.Action
	for _, r := range runes {
		for _, ev := range kb.Encode(r) {
			if suppressText && ev.Type == input.KeyChar {
				continue
			}
			ev.Modifiers |= mods
			if suppressText {
				ev.Text = ""
				ev.UnmodifiedText = ""
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

func keyRune(raw, upper string) (rune, error) {
	if named, ok := namedKeys[upper]; ok {
		r, _ := utf8.DecodeRuneInString(named)
		return r, nil
	}
	if utf8.RuneCountInString(raw) == 1 {
		r, _ := utf8.DecodeRuneInString(strings.ToLower(raw))
		return r, nil
	}
	return 0, fmt.Errorf("unsupported key %q", raw)
}
