package share

import (
	"errors"
	"net/url"
	"strings"
)

const DefaultMessage = "Check out my custom poem generated from an image: "

const defaultSubject = "A poem from my photo"

type Target struct {
	ID   string
	Name string
	URL  string
	// Manual targets have no share endpoint; the user pastes the copied
	// link into the site that URL opens.
	Manual       bool
	Instructions string
}

// Share is everything a frontend needs to offer a finished composite.
type Share struct {
	Code    string
	URL     string
	Targets []Target
}

type Options struct {
	Origin  string
	Message string
	Subject string
}

type Composer struct {
	origin  string
	message string
	subject string
}

func NewComposer(opts Options) (*Composer, error) {
	origin := strings.TrimRight(strings.TrimSpace(opts.Origin), "/")
	if origin == "" {
		return nil, errors.New("share origin is empty")
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("share origin must be an absolute URL")
	}

	message := opts.Message
	if strings.TrimSpace(message) == "" {
		message = DefaultMessage
	}
	subject := strings.TrimSpace(opts.Subject)
	if subject == "" {
		subject = defaultSubject
	}

	return &Composer{origin: origin, message: message, subject: subject}, nil
}

func (c *Composer) ShareURL(code string) string {
	return c.origin + "/shared/" + url.PathEscape(strings.TrimSpace(code))
}

// Compose returns the share link and targets for code. An empty code
// yields a zero Share: there is nothing to offer yet.
func (c *Composer) Compose(code string) Share {
	code = strings.TrimSpace(code)
	if code == "" {
		return Share{}
	}
	link := c.ShareURL(code)
	return Share{Code: code, URL: link, Targets: c.Targets(link)}
}

func (c *Composer) Targets(link string) []Target {
	text := c.message + link

	mail := url.Values{}
	mail.Set("subject", c.subject)
	mail.Set("body", text)

	return []Target{
		{ID: "whatsapp", Name: "WhatsApp", URL: "https://wa.me/?text=" + url.QueryEscape(text)},
		{ID: "facebook", Name: "Facebook", URL: "https://www.facebook.com/sharer/sharer.php?u=" + url.QueryEscape(link)},
		{ID: "x", Name: "X", URL: "https://twitter.com/intent/tweet?text=" + url.QueryEscape(c.message) + "&url=" + url.QueryEscape(link)},
		{ID: "telegram", Name: "Telegram", URL: "https://t.me/share/url?url=" + url.QueryEscape(link) + "&text=" + url.QueryEscape(c.message)},
		{ID: "email", Name: "Email", URL: "mailto:?" + strings.ReplaceAll(mail.Encode(), "+", "%20")},
		{
			ID: "instagram", Name: "Instagram", URL: "https://www.instagram.com/", Manual: true,
			Instructions: "Instagram requires manual sharing. Copy the link and paste it into Instagram.",
		},
		{
			ID: "tiktok", Name: "TikTok", URL: "https://www.tiktok.com/", Manual: true,
			Instructions: "TikTok requires manual sharing. Copy the link and paste it into TikTok.",
		},
	}
}
