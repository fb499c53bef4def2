package broker

import (
	"context"
	"net/http"

	"wata/internal/tradeerr"
)

// Account identifies the client and account orders are placed on.
type Account struct {
	ClientKey  string
	AccountKey string
}

// FetchSession completes acct with the keys of the authenticated client.
// Keys already set are kept.
func FetchSession(ctx context.Context, r Requester, acct Account) (Account, error) {
	if acct.ClientKey != "" && acct.AccountKey != "" {
		return acct, nil
	}

	ep := Endpoint{Method: http.MethodGet, Path: PathClientSession}
	session, err := Fetch[ClientSession](ctx, r, ep)
	if err != nil {
		return acct, err
	}
	if session == nil || session.ClientKey == "" {
		return acct, &tradeerr.Parse{Endpoint: ep.String(), Field: "ClientKey", Reason: "missing"}
	}

	if acct.ClientKey == "" {
		acct.ClientKey = session.ClientKey
	}
	if acct.AccountKey == "" {
		acct.AccountKey = session.DefaultAccountKey
	}
	return acct, nil
}
