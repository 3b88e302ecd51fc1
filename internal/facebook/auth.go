package facebook

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pagebridge/pagebridge/internal/state"
)

// AuthConfig carries the Facebook app credentials for the manual OAuth
// flow. See the Facebook Login for Business manual-flow docs.
type AuthConfig struct {
	AppID       string
	ConfigID    string
	AppSecret   string
	RedirectURL string
}

// AuthFlow drives the authorization handshake: it issues the anti-forgery
// state for the dialog redirect and exchanges the returned code for page
// access tokens.
type AuthFlow struct {
	client *Client
	states *state.Ledger
	cfg    AuthConfig
}

func NewAuthFlow(client *Client, states *state.Ledger, cfg AuthConfig) *AuthFlow {
	return &AuthFlow{client: client, states: states, cfg: cfg}
}

// BeginAuthorization returns the dialog URL the user is redirected to,
// carrying a freshly issued state token.
func (f *AuthFlow) BeginAuthorization() (string, error) {
	token, err := f.states.Issue()
	if err != nil {
		return "", fmt.Errorf("issue oauth state: %w", err)
	}
	q := url.Values{}
	q.Set("client_id", f.cfg.AppID)
	q.Set("redirect_uri", f.cfg.RedirectURL)
	q.Set("config_id", f.cfg.ConfigID)
	q.Set("state", token)
	return fmt.Sprintf("https://www.facebook.com/%s/dialog/oauth?%s", APIVersion, q.Encode()), nil
}

type oauthExchangeResponse struct {
	AccessToken string `json:"access_token"`
}

type meResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type managedPages struct {
	Data []managedPage `json:"data"`
}

type managedPage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

type pageInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CompleteAuthorization validates the returned state token, exchanges the
// authorization code for a user token and resolves every page the user
// manages together with its page access token. A bad state returns
// state.ErrInvalidState.
func (f *AuthFlow) CompleteAuthorization(ctx context.Context, stateToken, code string) ([]GrantedPage, error) {
	if err := f.states.Validate(stateToken); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("client_id", f.cfg.AppID)
	q.Set("redirect_uri", f.cfg.RedirectURL)
	q.Set("client_secret", f.cfg.AppSecret)
	q.Set("code", code)
	var exchange oauthExchangeResponse
	if err := f.client.getJSON(ctx, fmt.Sprintf("/%s/oauth/access_token", APIVersion), q, &exchange); err != nil {
		return nil, fmt.Errorf("exchange oauth code: %w", err)
	}
	userToken := exchange.AccessToken

	q = url.Values{}
	q.Set("fields", "id,name")
	q.Set("access_token", userToken)
	var me meResponse
	if err := f.client.getJSON(ctx, fmt.Sprintf("/%s/me", APIVersion), q, &me); err != nil {
		return nil, fmt.Errorf("resolve granting user: %w", err)
	}

	q = url.Values{}
	q.Set("access_token", userToken)
	var pages managedPages
	if err := f.client.getJSON(ctx, fmt.Sprintf("/%s/%s/accounts", APIVersion, url.PathEscape(me.ID)), q, &pages); err != nil {
		return nil, fmt.Errorf("list managed pages: %w", err)
	}

	granted := make([]GrantedPage, 0, len(pages.Data))
	for _, page := range pages.Data {
		info, err := f.loadPageInfo(ctx, page.ID, page.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("load page %s: %w", page.ID, err)
		}
		granted = append(granted, GrantedPage{
			UserID:          me.ID,
			UserName:        me.Name,
			PageID:          info.ID,
			PageName:        info.Name,
			PageAccessToken: page.AccessToken,
		})
	}
	return granted, nil
}

func (f *AuthFlow) loadPageInfo(ctx context.Context, pageID, pageAccessToken string) (pageInfo, error) {
	q := url.Values{}
	q.Set("access_token", pageAccessToken)
	var info pageInfo
	err := f.client.getJSON(ctx, fmt.Sprintf("/%s/%s", APIVersion, url.PathEscape(pageID)), q, &info)
	return info, err
}
