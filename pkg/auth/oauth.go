package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/go-github/v73/github"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

const (
	stateCookieName = "__chirper_oauth_state"
	stateTTL        = 5 * time.Minute
)

var ErrInvalidState = errors.New("invalid oauth state")

// GitHubProfile is the subset of a GitHub account used to sign in.
type GitHubProfile struct {
	ID        int64
	Login     string
	Email     string
	AvatarURL string
}

// GitHubProvider drives the GitHub authorization code flow.
type GitHubProvider struct {
	oauth *oauth2.Config
	// apiURL overrides the REST endpoint, used by tests.
	apiURL *url.URL
}

func NewGitHubProvider(clientID, clientSecret, redirectURL string) *GitHubProvider {
	return &GitHubProvider{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     oauthgithub.Endpoint,
		},
	}
}

// WithEndpoints points the provider at a different OAuth and API host.
func (p *GitHubProvider) WithEndpoints(authURL, tokenURL, apiURL string) (*GitHubProvider, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("parsing api url: %w", err)
	}
	if u.Path == "" || u.Path[len(u.Path)-1] != '/' {
		u.Path += "/"
	}
	p.oauth.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
	p.apiURL = u
	return p, nil
}

// Begin sets the state cookie and returns the URL to redirect the browser to.
func (p *GitHubProvider) Begin(w http.ResponseWriter) string {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(stateTTL.Seconds()),
	})
	return p.oauth.AuthCodeURL(state)
}

// Complete validates the callback state, exchanges the code and fetches the
// GitHub profile.
func (p *GitHubProvider) Complete(ctx context.Context, r *http.Request) (*GitHubProfile, error) {
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(stateCookieName)
	if state == "" || err != nil || cookie.Value != state {
		return nil, ErrInvalidState
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, errors.New("missing authorization code")
	}

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	gh := github.NewClient(p.oauth.Client(ctx, tok))
	if p.apiURL != nil {
		gh.BaseURL = p.apiURL
	}

	user, _, err := gh.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("fetching github user: %w", err)
	}

	profile := &GitHubProfile{
		ID:        user.GetID(),
		Login:     user.GetLogin(),
		Email:     user.GetEmail(),
		AvatarURL: user.GetAvatarURL(),
	}
	if profile.Email == "" {
		emails, _, err := gh.Users.ListEmails(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("listing github emails: %w", err)
		}
		for _, e := range emails {
			if e.GetPrimary() && e.GetVerified() {
				profile.Email = e.GetEmail()
				break
			}
		}
	}
	return profile, nil
}

// ClearState expires the state cookie once the flow is over.
func ClearState(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1})
}
