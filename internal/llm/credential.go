package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const ernieTokenPath = "/oauth/2.0/token"

// credentialExchanger trades an ERNIE API key / secret key pair for a
// short-lived access token. A fresh token is fetched for every call.
type credentialExchanger struct {
	client *http.Client
}

func (c *credentialExchanger) exchange(ctx context.Context, endpoint string, auth ERNIEAuth) (string, error) {
	cfg := clientcredentials.Config{
		ClientID:     auth.APIKey,
		ClientSecret: auth.SecretKey,
		TokenURL:     strings.TrimRight(endpoint, "/") + ernieTokenPath,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, c.client))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return "", &CredentialExchangeError{Err: &TransportError{
				Provider:   ProviderERNIE,
				Op:         "token",
				StatusCode: rerr.Response.StatusCode,
				Code:       rerr.ErrorCode,
				Message:    rerr.ErrorDescription,
			}}
		}
		return "", &CredentialExchangeError{Err: err}
	}
	if tok.AccessToken == "" {
		return "", &CredentialExchangeError{Err: errors.New("empty access token")}
	}
	return tok.AccessToken, nil
}
