package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"petportrait/internal/entity"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

// ErrEmailNotVerified is returned when Google reports an unverified address.
var ErrEmailNotVerified = errors.New("google account email is not verified")

// GoogleProvider authenticates users against Google.
type GoogleProvider interface {
	// AuthCodeURL returns the consent page address carrying state.
	AuthCodeURL(state string) string
	// Exchange trades an authorization code for a verified profile.
	Exchange(ctx context.Context, code string) (entity.GoogleProfile, error)
	// VerifyIDToken validates an ID token issued for this client.
	VerifyIDToken(ctx context.Context, rawIDToken string) (entity.GoogleProfile, error)
}

type validateFunc func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// GoogleClient is the oauth2 + idtoken backed GoogleProvider.
type GoogleClient struct {
	oauth    *oauth2.Config
	clientID string
	validate validateFunc
}

// NewGoogleClient builds a client; clientID is also the ID token audience.
func NewGoogleClient(clientID, clientSecret, callbackURL string) (*GoogleClient, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, errors.New("google client id must not be empty")
	}
	return &GoogleClient{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: strings.TrimSpace(clientSecret),
			RedirectURL:  strings.TrimSpace(callbackURL),
			Endpoint:     google.Endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		clientID: clientID,
		validate: idtoken.Validate,
	}, nil
}

func (g *GoogleClient) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.SetAuthURLParam("prompt", "select_account"))
}

func (g *GoogleClient) Exchange(ctx context.Context, code string) (entity.GoogleProfile, error) {
	if strings.TrimSpace(code) == "" {
		return entity.GoogleProfile{}, errors.New("authorization code is empty")
	}
	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return entity.GoogleProfile{}, fmt.Errorf("exchange code: %w", err)
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return entity.GoogleProfile{}, errors.New("token response has no id_token")
	}
	return g.VerifyIDToken(ctx, rawIDToken)
}

func (g *GoogleClient) VerifyIDToken(ctx context.Context, rawIDToken string) (entity.GoogleProfile, error) {
	rawIDToken = strings.TrimSpace(rawIDToken)
	if rawIDToken == "" {
		return entity.GoogleProfile{}, errors.New("id token is empty")
	}
	payload, err := g.validate(ctx, rawIDToken, g.clientID)
	if err != nil {
		return entity.GoogleProfile{}, fmt.Errorf("verify id token: %w", err)
	}
	return ProfileFromPayload(payload)
}

// ProfileFromPayload extracts the user profile and requires a verified email.
func ProfileFromPayload(payload *idtoken.Payload) (entity.GoogleProfile, error) {
	if payload == nil || strings.TrimSpace(payload.Subject) == "" {
		return entity.GoogleProfile{}, errors.New("id token has no subject")
	}
	profile := entity.GoogleProfile{
		Subject: payload.Subject,
		Email:   claimString(payload.Claims, "email"),
		Name:    claimString(payload.Claims, "name"),
		Picture: claimString(payload.Claims, "picture"),
	}
	switch v := payload.Claims["email_verified"].(type) {
	case bool:
		profile.EmailVerified = v
	case string:
		profile.EmailVerified = strings.EqualFold(v, "true")
	}
	if profile.Email == "" || !profile.EmailVerified {
		return profile, ErrEmailNotVerified
	}
	return profile, nil
}

func claimString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

var _ GoogleProvider = (*GoogleClient)(nil)
