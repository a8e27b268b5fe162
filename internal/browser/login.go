package browser

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

//go:embed js/try_login.js
var tryLoginJS string

var tryLoginTmpl = template.Must(template.New("try_login").Parse(tryLoginJS))

var errNoLoginForm = errors.New("no login form found")

// loginForm locates the username and password inputs of a form.
type loginForm struct {
	FormIndex     int
	UserField     string
	PasswordField string
	Username      string
	Password      string
}

// findLoginForm picks the first form holding exactly one password input and
// at least one text or email input, both named.
func findLoginForm(html string) (loginForm, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return loginForm{}, fmt.Errorf("parse page: %w", err)
	}
	found := loginForm{FormIndex: -1}
	doc.Find("form").EachWithBreak(func(i int, form *goquery.Selection) bool {
		passwords := form.Find("input").FilterFunction(func(_ int, input *goquery.Selection) bool {
			return strings.EqualFold(strings.TrimSpace(input.AttrOr("type", "")), "password")
		})
		if passwords.Length() != 1 {
			return true
		}
		passName, ok := passwords.Attr("name")
		if !ok || passName == "" {
			return true
		}
		var userName string
		form.Find("input").EachWithBreak(func(_ int, input *goquery.Selection) bool {
			typ := strings.ToLower(strings.TrimSpace(input.AttrOr("type", "text")))
			if typ != "text" && typ != "email" {
				return true
			}
			userName = input.AttrOr("name", "")
			return userName == ""
		})
		if userName == "" {
			return true
		}
		found = loginForm{FormIndex: i, UserField: userName, PasswordField: passName}
		return false
	})
	if found.FormIndex < 0 {
		return loginForm{}, errNoLoginForm
	}
	return found, nil
}

func renderLoginScript(form loginForm) (string, error) {
	var buf bytes.Buffer
	if err := tryLoginTmpl.Execute(&buf, form); err != nil {
		return "", fmt.Errorf("render login script: %w", err)
	}
	return buf.String(), nil
}

// tryLogin fills and submits a login form when the page has one, then loads
// pageURL again as the logged-in user.
func (c *Client) tryLogin(ctx context.Context, b *browse, pageURL string, opts BrowseOptions, timeout time.Duration, logger *zap.Logger) error {
	var html string
	if err := c.evaluate(ctx, b, "document.documentElement.outerHTML", &html); err != nil {
		return fmt.Errorf("snapshot dom: %w", err)
	}
	form, err := findLoginForm(html)
	if errors.Is(err, errNoLoginForm) {
		logger.Debug("no login form on page")
		return nil
	}
	if err != nil {
		return err
	}
	form.Username, form.Password = opts.Username, opts.Password
	script, err := renderLoginScript(form)
	if err != nil {
		return err
	}

	loaded := b.expectLoad()
	var submitted bool
	if err := c.evaluate(ctx, b, script, &submitted); err != nil {
		return fmt.Errorf("submit login form: %w", err)
	}
	if !submitted {
		return errors.New("login form disappeared before submit")
	}
	logger.Info("submitted login form", zap.Int("form_index", form.FormIndex), zap.String("user_field", form.UserField))
	if err := c.waitLoaded(ctx, b, loaded, timeout); err != nil {
		return err
	}
	return c.navigate(ctx, b, pageURL, timeout, logger)
}
