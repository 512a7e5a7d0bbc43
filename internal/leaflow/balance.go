package leaflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"

	"leafcheck/internal/storage"
)

// FetchBalance loads the balance records page and extracts the profile and
// balance fields embedded in its data-page attribute.
func (s *Session) FetchBalance(ctx context.Context) (*storage.BalanceInfo, error) {
	status, page, err := s.do(ctx, http.MethodGet, s.client.baseURL()+"/balance/records", nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, ErrAuthExpired
		}
		return nil, fmt.Errorf("leaflow: balance records returned HTTP %d", status)
	}
	return parseBalancePage(page)
}

func parseBalancePage(page string) (*storage.BalanceInfo, error) {
	m := dataPagePattern.FindStringSubmatch(page)
	if m == nil {
		return nil, errors.New("leaflow: data-page attribute not found")
	}

	var data struct {
		Props struct {
			Auth struct {
				User *struct {
					ID             flexString `json:"id"`
					Name           string     `json:"name"`
					Email          string     `json:"email"`
					CreatedAt      string     `json:"created_at"`
					CurrentBalance flexString `json:"current_balance"`
					TotalConsumed  flexString `json:"total_consumed"`
				} `json:"user"`
			} `json:"auth"`
		} `json:"props"`
	}
	if err := json.Unmarshal([]byte(html.UnescapeString(m[1])), &data); err != nil {
		return nil, fmt.Errorf("leaflow: bad data-page payload: %w", err)
	}

	user := data.Props.Auth.User
	if user == nil {
		return nil, ErrAuthExpired
	}

	return &storage.BalanceInfo{
		RemoteUID:       string(user.ID),
		RemoteName:      user.Name,
		RemoteEmail:     user.Email,
		RemoteCreatedAt: user.CreatedAt,
		CurrentBalance:  stringOr(string(user.CurrentBalance), "0"),
		TotalConsumed:   stringOr(string(user.TotalConsumed), "0"),
	}, nil
}

// flexString accepts both JSON strings and JSON numbers; the remote service
// is not consistent about which it sends for balance fields.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
