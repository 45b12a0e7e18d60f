package session

import (
	"context"
	"errors"
	"net/http"

	"ordersync/internal/config"
	"ordersync/internal/models"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Exchanger trades an account's app credentials for a fresh session token.
type Exchanger interface {
	Exchange(ctx context.Context, accountID string) (models.SessionToken, error)
}

// OAuthExchanger runs the client-credentials flow against the vendor's
// token endpoint. The vendor returns the regional API host in the "server"
// field of the token response.
type OAuthExchanger struct {
	accounts   map[string]*clientcredentials.Config
	httpClient *http.Client
}

func NewOAuthExchanger(httpClient *http.Client) *OAuthExchanger {
	return &OAuthExchanger{
		accounts:   make(map[string]*clientcredentials.Config),
		httpClient: httpClient,
	}
}

// NewOAuthExchangerFromConfig registers the single account described by cfg.
// Accounts with an empty client id are left unconfigured.
func NewOAuthExchangerFromConfig(cfg config.VendorConfig, httpClient *http.Client) *OAuthExchanger {
	e := NewOAuthExchanger(httpClient)
	if cfg.ClientID != "" {
		e.Register(cfg.AccountID, cfg.ClientID, cfg.ClientSecret, cfg.TokenURL)
	}
	return e
}

// Register is not safe for concurrent use with Exchange; call it during setup.
func (e *OAuthExchanger) Register(accountID, clientID, clientSecret, tokenURL string) {
	e.accounts[accountID] = &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
}

func (e *OAuthExchanger) Exchange(ctx context.Context, accountID string) (models.SessionToken, error) {
	cfg, ok := e.accounts[accountID]
	if !ok {
		return models.SessionToken{}, &AuthError{Kind: AuthNoConnection, AccountID: accountID}
	}

	if e.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return models.SessionToken{}, &AuthError{Kind: AuthRefreshFailed, AccountID: accountID, Err: err}
	}
	if tok.AccessToken == "" {
		return models.SessionToken{}, &AuthError{
			Kind:      AuthRefreshFailed,
			AccountID: accountID,
			Err:       errors.New("empty access token"),
		}
	}

	server, _ := tok.Extra("server").(string)
	return models.SessionToken{
		Token:      tok.AccessToken,
		ServerHost: server,
		ExpiresAt:  tok.Expiry,
		AccountID:  accountID,
	}, nil
}
