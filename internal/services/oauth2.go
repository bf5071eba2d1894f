package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mailpush/internal/models"
	"mailpush/internal/repository"
	"mailpush/internal/utils"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// ErrOAuth2NotConfigured is returned when an OAuth2 account lacks the
// settings needed to obtain an access token.
var ErrOAuth2NotConfigured = errors.New("oauth2 not configured for account")

var defaultOAuth2Scopes = map[models.MailProviderType][]string{
	models.ProviderTypeGmail:   {"https://mail.google.com/"},
	models.ProviderTypeOutlook: {"https://outlook.office.com/IMAP.AccessAsUser.All", "offline_access"},
}

// xoauth2Client implements the SASL XOAUTH2 mechanism
type xoauth2Client struct {
	username    string
	accessToken string
}

// NewXOAuth2Client creates a SASL client that authenticates with a bearer token.
func NewXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	return "XOAUTH2", []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken)), nil
}

// Next answers the error challenge with an empty response so the server
// finishes with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

type cachedTokenSource struct {
	refreshToken string
	source       oauth2.TokenSource
}

// OAuth2TokenProvider hands out access tokens for OAuth2 accounts. Token
// sources are cached per account and refresh themselves when expired.
type OAuth2TokenProvider struct {
	configs    *repository.OAuth2GlobalConfigRepository
	httpClient *http.Client
	endpoints  map[models.MailProviderType]oauth2.Endpoint
	logger     *utils.Logger

	mu      sync.Mutex
	sources map[uint]cachedTokenSource
}

// NewOAuth2TokenProvider creates a token provider reading client secrets from configs.
func NewOAuth2TokenProvider(configs *repository.OAuth2GlobalConfigRepository) *OAuth2TokenProvider {
	return &OAuth2TokenProvider{
		configs:    configs,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoints: map[models.MailProviderType]oauth2.Endpoint{
			models.ProviderTypeGmail:   google.Endpoint,
			models.ProviderTypeOutlook: microsoft.AzureADEndpoint("common"),
		},
		logger:  utils.NewLogger("OAuth2"),
		sources: make(map[uint]cachedTokenSource),
	}
}

// AccessToken returns a valid access token for account.
func (p *OAuth2TokenProvider) AccessToken(ctx context.Context, account *models.EmailAccount) (string, error) {
	src, err := p.tokenSource(account)
	if err != nil {
		return "", err
	}

	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := src.Token()
		done <- result{tok, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			p.forget(account.ID)
			return "", fmt.Errorf("refresh access token for %s: %w", account.EmailAddress, r.err)
		}
		return r.tok.AccessToken, nil
	}
}

// forget drops the cached token source of an account so the next call rebuilds it.
func (p *OAuth2TokenProvider) forget(accountID uint) {
	p.mu.Lock()
	delete(p.sources, accountID)
	p.mu.Unlock()
}

func (p *OAuth2TokenProvider) tokenSource(account *models.EmailAccount) (oauth2.TokenSource, error) {
	refreshToken := account.CustomSettings["refresh_token"]
	clientID := account.CustomSettings["client_id"]
	if refreshToken == "" || clientID == "" {
		return nil, fmt.Errorf("%w: %s needs client_id and refresh_token", ErrOAuth2NotConfigured, account.EmailAddress)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.sources[account.ID]; ok && cached.refreshToken == refreshToken {
		return cached.source, nil
	}

	providerType := account.MailProvider.Type
	endpoint, ok := p.endpoints[providerType]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported provider type %q", ErrOAuth2NotConfigured, providerType)
	}

	cfg := &oauth2.Config{
		ClientID: clientID,
		Endpoint: endpoint,
		Scopes:   defaultOAuth2Scopes[providerType],
	}
	if global := p.globalConfig(account); global != nil {
		cfg.ClientSecret = global.ClientSecret
		if len(global.Scopes) > 0 {
			cfg.Scopes = global.Scopes
		}
	}

	// 刷新令牌在后台进行，不能绑定到调用方的 ctx
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, p.httpClient)
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	p.sources[account.ID] = cachedTokenSource{refreshToken: refreshToken, source: src}
	return src, nil
}

// globalConfig finds the client secret holder: the account's own provider
// config first, then the enabled config for its provider type.
func (p *OAuth2TokenProvider) globalConfig(account *models.EmailAccount) *models.OAuth2GlobalConfig {
	if p.configs == nil {
		return nil
	}
	if account.OAuth2ProviderID != nil && *account.OAuth2ProviderID > 0 {
		cfg, err := p.configs.GetByID(*account.OAuth2ProviderID)
		if err == nil {
			return cfg
		}
		p.logger.Warn("OAuth2 config %d for %s unavailable: %v", *account.OAuth2ProviderID, account.EmailAddress, err)
	}
	cfg, err := p.configs.GetByProviderType(account.MailProvider.Type)
	if err != nil {
		p.logger.Warn("No OAuth2 config for provider type %s, using empty client secret", account.MailProvider.Type)
		return nil
	}
	return cfg
}
