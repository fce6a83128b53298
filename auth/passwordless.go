package auth

import (
	"context"
	"io"

	"github.com/johnsto/go-passwordless"
)

func (a *Auth) getTransport() string {
	if a.Environment == EnvProduction {
		return "Email"
	}
	return "Log"
}

// Request emails a one-time sign-in token to the recipient. Outside of
// production the token goes to the log instead of SMTP.
func (a *Auth) Request(ctx context.Context, uid, recipient string) error {
	return a.pw.RequestToken(ctx, a.getTransport(), uid, recipient)
}

// Verify redeems a sign-in token for the given uid. An expired or wrong
// token reports invalid rather than an error; only setup problems surface
// as errors.
func (a *Auth) Verify(ctx context.Context, uid, token string) (bool, error) {
	valid, err := a.pw.VerifyToken(ctx, uid, token)
	switch err {
	case passwordless.ErrNoResponseWriter, passwordless.ErrNoStore, passwordless.ErrNoTransport, passwordless.ErrNotValidForContext:
		return valid, err
	default:
		return valid, nil
	}
}

func composeFuncGetter(options EmailOption) passwordless.ComposerFunc {
	return func(ctx context.Context, token, uid, recipient string, w io.Writer) error {
		e := &passwordless.Email{
			Subject: "Sign in to " + options.Name,
			To:      recipient,
		}

		link := options.LinkGenerator(uid, token)

		text := "Someone asked to sign in to " + options.Name + " with this address.\n\n" +
			"Open the link below within 15 minutes to continue to your " +
			"subscriptions and creator dashboard:\n\n" +
			link + "\n\n" +
			"Or enter the code " + token + " on the sign-in page.\n\n" +
			"Didn't ask for this? No one can sign in without this email, " +
			"so you can ignore it."
		html := "<!doctype html><html><body>" +
			"<p>Someone asked to sign in to " + options.Name + " with this address.</p>" +
			"<p><a href=\"" + link + "\">Continue to your subscriptions and creator dashboard</a> " +
			"within 15 minutes, or enter the code <b>" + token + "</b> on the sign-in page.</p>" +
			"<p>Didn't ask for this? No one can sign in without this email, " +
			"so you can ignore it.</p></body></html>"

		e.AddBody("text/plain", text)
		e.AddBody("text/html", html)

		_, err := e.Write(w)

		return err
	}
}
