package leaflow

import (
	"context"

	"leafcheck/internal/storage"
)

// The per-operation methods below build a fresh session from the account's
// stored credential bundle. Sessions are cheap (a cookie jar and a header
// map); rebuilding per call picks up credential edits immediately and keeps
// cookie state from one account's run from leaking into the next.

// CheckIn performs the daily check-in for one account.
func (c *Client) CheckIn(ctx context.Context, tokenData, accountName string) (bool, string, error) {
	s, err := c.NewSession(tokenData, accountName)
	if err != nil {
		return false, "", err
	}
	res, err := s.CheckIn(ctx)
	if err != nil {
		return false, "", err
	}
	return res.Success, res.Message, nil
}

// FetchBalance reads the account's current balance from the records page.
func (c *Client) FetchBalance(ctx context.Context, tokenData, accountName string) (*storage.BalanceInfo, error) {
	s, err := c.NewSession(tokenData, accountName)
	if err != nil {
		return nil, err
	}
	return s.FetchBalance(ctx)
}

// Redeem submits one redemption code through the Inertia handshake.
func (c *Client) Redeem(ctx context.Context, tokenData, accountName, code string) (bool, string, string, error) {
	s, err := c.NewSession(tokenData, accountName)
	if err != nil {
		return false, "", "", err
	}
	res, err := s.Redeem(ctx, code)
	if err != nil {
		return false, "", "", err
	}
	return res.Success, res.Message, res.Amount, nil
}
