package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// Selectors for the generic username/password form. Matching is by placeholder,
// case-insensitive, first match wins.
const (
	UsernameSelector = `input[placeholder*="username" i]`
	PasswordSelector = `input[placeholder*="password" i]`

	loginFieldTimeout = 5 * time.Second
	loginClickTimeout = 10 * time.Second
)

// ErrLoginButtonNotFound is returned when no button labelled "log in" or "login" exists.
var ErrLoginButtonNotFound = errors.New("login button not found")

// clickLoginScript clicks the first button-like element whose label matches /log\s?in/i.
const clickLoginScript = `(() => {
	const re = /log\s?in/i;
	const candidates = document.querySelectorAll('button, input[type="submit"], [role="button"]');
	for (const el of candidates) {
		const label = (el.innerText || el.value || el.getAttribute('aria-label') || '').trim();
		if (re.test(label)) {
			el.click();
			return true;
		}
	}
	return false;
})()`

// FillCredentials types the username and password into the login form.
func (p *Page) FillCredentials(ctx context.Context, username, password string) error {
	fill := func(selector, value string) error {
		return p.run(ctx, loginFieldTimeout,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.Clear(selector, chromedp.ByQuery),
			chromedp.SendKeys(selector, value, chromedp.ByQuery),
		)
	}
	if err := fill(UsernameSelector, username); err != nil {
		return fmt.Errorf("failed to fill username: %w", err)
	}
	if err := fill(PasswordSelector, password); err != nil {
		return fmt.Errorf("failed to fill password: %w", err)
	}
	p.logger.Debug("Login credentials filled")
	return nil
}

// SubmitLogin clicks the login button.
func (p *Page) SubmitLogin(ctx context.Context) error {
	var clicked bool
	if err := p.run(ctx, loginClickTimeout, chromedp.Evaluate(clickLoginScript, &clicked)); err != nil {
		return fmt.Errorf("failed to click login button: %w", err)
	}
	if !clicked {
		return ErrLoginButtonNotFound
	}
	p.logger.Debug("Login button clicked")
	return nil
}
