package authenticator

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// loginForm is the scraped CAS login form: where to post, what hidden state
// to echo back, and where the captcha image lives.
type loginForm struct {
	Action     *url.URL
	Method     string
	Fields     url.Values // hidden inputs and defaults, echoed verbatim
	CaptchaURL *url.URL
	UUID       string
}

// parseLoginForm extracts the first form carrying a password input. The CAS
// page sometimes has a search form before the login form, so presence of a
// password field is the discriminator.
func parseLoginForm(body []byte, pageURL *url.URL) (*loginForm, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, false
	}

	var captchaSrc string
	var found *loginForm

	var walk func(n *html.Node)
	var walkForm func(n *html.Node, f *loginForm) bool
	walkForm = func(n *html.Node, f *loginForm) bool {
		hasPassword := false
		if n.Type == html.ElementNode && n.Data == "input" {
			name := attr(n, "name")
			typ := strings.ToLower(attr(n, "type"))
			if typ == "password" {
				hasPassword = true
			}
			if name != "" && typ != "submit" && typ != "button" && typ != "password" {
				f.Fields.Set(name, attr(n, "value"))
				if strings.EqualFold(name, "uuid") {
					f.UUID = attr(n, "value")
				}
			}
		}
		if n.Type == html.ElementNode && n.Data == "img" {
			if src := attr(n, "src"); strings.Contains(strings.ToLower(src), "captcha") {
				if u, err := pageURL.Parse(src); err == nil {
					f.CaptchaURL = u
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walkForm(c, f) {
				hasPassword = true
			}
		}
		return hasPassword
	}
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "img" {
			if src := attr(n, "src"); strings.Contains(strings.ToLower(src), "captcha") {
				captchaSrc = src
			}
		}
		if n.Type == html.ElementNode && n.Data == "form" {
			f := &loginForm{Method: "POST", Fields: url.Values{}}
			if m := attr(n, "method"); m != "" {
				f.Method = strings.ToUpper(m)
			}
			action := attr(n, "action")
			if action == "" {
				f.Action = pageURL
			} else if u, err := pageURL.Parse(action); err == nil {
				f.Action = u
			}
			if walkForm(n, f) {
				found = f
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if found == nil {
		return nil, false
	}
	// captcha image may sit outside the form element
	if found.CaptchaURL == nil && captchaSrc != "" {
		if u, err := pageURL.Parse(captchaSrc); err == nil {
			found.CaptchaURL = u
		}
	}
	if found.UUID == "" && found.CaptchaURL != nil {
		found.UUID = found.CaptchaURL.Query().Get("uuid")
	}
	return found, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

var (
	showMessageRe = regexp.MustCompile(`showMessage\(\s*['"]([^'"]+)['"]`)
	msgFieldRe    = regexp.MustCompile(`\bmsg\s*:\s*['"]([^'"]+)['"]`)
)

// scrapeLoginError digs the rejection text out of a CAS error page. Checked
// in order: known error element ids/classes, then the inline-script patterns.
func scrapeLoginError(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err == nil {
		if msg := findErrorNode(doc); msg != "" {
			return msg
		}
	}
	if m := showMessageRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	if m := msgFieldRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

func findErrorNode(n *html.Node) string {
	if n.Type == html.ElementNode {
		id := attr(n, "id")
		class := attr(n, "class")
		if id == "errmsg" || id == "errorMsg" || strings.Contains(" "+class+" ", " error ") {
			if text := strings.TrimSpace(nodeText(n)); text != "" {
				return text
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if msg := findErrorNode(c); msg != "" {
			return msg
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
	}
	return sb.String()
}
