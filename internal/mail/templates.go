package mail

import (
	"fmt"
	"net/url"

	"github.com/osteele/liquid"
)

const confirmationHTML = `
<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
	<h1 style="color: #3b82f6;">Welcome to {{ site | escape }}!</h1>
	<p>Hi{% if name != "" %} {{ name | escape }}{% endif %},</p>
	<p>Thanks for subscribing to our newsletter. Please confirm your email address by clicking the button below:</p>
	<div style="text-align: center; margin: 30px 0;">
		<a href="{{ confirmURL }}" style="background: linear-gradient(to right, #3b82f6, #8b5cf6); color: white; padding: 12px 30px; text-decoration: none; border-radius: 6px; display: inline-block;">
			Confirm Subscription
		</a>
	</div>
	<p style="color: #666; font-size: 14px;">Or copy and paste this link: {{ confirmURL }}</p>
	<hr style="border: none; border-top: 1px solid #eee; margin: 30px 0;">
	<p style="color: #666; font-size: 12px;">If you didn't subscribe, you can safely ignore this email.</p>
</div>
`

const welcomeHTML = `
<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
	<h1 style="color: #3b82f6;">You're all set!</h1>
	<p>Your subscription to {{ site | escape }} is now active.</p>
	<p>You'll receive our newsletter with:</p>
	<ul>
		<li>Weekly MLOps insights and tutorials</li>
		<li>Production ML best practices</li>
		<li>Tool reviews and comparisons</li>
		<li>Real-world case studies</li>
	</ul>
	<p>Stay tuned for our next edition!</p>
</div>
`

const footerHTML = `
<div style="margin-top: 50px; padding-top: 30px; border-top: 1px solid #eee; text-align: center; color: #666; font-size: 12px; font-family: Arial, sans-serif;">
	<p>
		You're receiving this because you subscribed to {{ site | escape }} newsletter.
		<br>
		<a href="{{ unsubscribeURL }}" style="color: #3b82f6; text-decoration: none;">Unsubscribe</a> |
		<a href="{{ siteURL }}" style="color: #3b82f6; text-decoration: none;">Visit Website</a>
	</p>
	<p style="margin-top: 10px;">
		{{ site | escape }} &bull; Production ML Engineering
	</p>
	<p style="margin-top: 10px; font-size: 10px;">
		{{ email | escape }}
	</p>
</div>
`

var engine = liquid.NewEngine()

var (
	confirmationTemplate = mustParse(confirmationHTML)
	welcomeTemplate      = mustParse(welcomeHTML)
	footerTemplate       = mustParse(footerHTML)
)

func mustParse(src string) *liquid.Template {
	tpl, err := engine.ParseString(src)
	if err != nil {
		panic(fmt.Sprintf("mail: invalid built-in template: %v", err))
	}
	return tpl
}

// Site renders the transactional emails and links for one public site.
type Site struct {
	Name string
	// URL is the site root, e.g. https://example.com.
	URL string
}

// ConfirmURL returns the link that activates a pending subscription.
func (s Site) ConfirmURL(email, confirmToken string) string {
	return s.URL + "/confirm?token=" + url.QueryEscape(confirmToken) + "&email=" + url.QueryEscape(email)
}

// UnsubscribeURL returns the one-click unsubscribe link for email.
func (s Site) UnsubscribeURL(email, unsubscribeToken string) string {
	return s.URL + "/unsubscribe?email=" + url.QueryEscape(email) + "&token=" + url.QueryEscape(unsubscribeToken)
}

func render(tpl *liquid.Template, b liquid.Bindings) (string, error) {
	out, err := tpl.RenderString(b)
	if err != nil {
		return "", fmt.Errorf("could not render email: %w", err)
	}
	return out, nil
}

// Confirmation builds the email asking a new subscriber to verify their address.
func (s Site) Confirmation(to, name, confirmToken string) (Message, error) {
	body, err := render(confirmationTemplate, liquid.Bindings{
		"site":       s.Name,
		"name":       name,
		"confirmURL": s.ConfirmURL(to, confirmToken),
	})
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("Confirm your %s subscription", s.Name),
		HTML:    body,
	}, nil
}

// Welcome builds the email sent once a subscription is confirmed.
func (s Site) Welcome(to string) (Message, error) {
	body, err := render(welcomeTemplate, liquid.Bindings{"site": s.Name})
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("Welcome to %s!", s.Name),
		HTML:    body,
	}, nil
}

// Footer renders the newsletter footer carrying the recipient's unsubscribe link.
func (s Site) Footer(email, unsubscribeToken string) (string, error) {
	return render(footerTemplate, liquid.Bindings{
		"site":           s.Name,
		"siteURL":        s.URL,
		"email":          email,
		"unsubscribeURL": s.UnsubscribeURL(email, unsubscribeToken),
	})
}
