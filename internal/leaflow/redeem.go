package leaflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

var (
	dataPagePattern = regexp.MustCompile(`data-page="([^"]+)"`)
	versionPattern  = regexp.MustCompile(`"version"\s*:\s*"([a-f0-9]+)"`)
	amountPattern   = regexp.MustCompile(`¥?([\d.]+)`)
)

// RedeemResult is the outcome of one code redemption.
type RedeemResult struct {
	Success bool
	Message string
	Amount  string // parsed from the flash message on success, may be empty
}

// Redeem exchanges one gift code through the Inertia endpoint.
//
// The handshake matters: the balance page GET rotates the XSRF-TOKEN cookie,
// and the POST must echo both that token and the page's asset version or the
// server rejects it with a 419/409.
func (s *Session) Redeem(ctx context.Context, code string) (RedeemResult, error) {
	balanceURL := s.client.baseURL() + "/balance"
	redeemURL := s.client.baseURL() + "/balance/redeem"

	status, page, err := s.do(ctx, http.MethodGet, balanceURL, nil, nil)
	if err != nil {
		return RedeemResult{}, err
	}
	if status != http.StatusOK {
		return RedeemResult{}, fmt.Errorf("leaflow: balance page returned HTTP %d", status)
	}

	version := extractInertiaVersion(page)
	if version == "" {
		return RedeemResult{}, errors.New("leaflow: cannot extract page version")
	}

	xsrf := s.cookieValue("XSRF-TOKEN")
	if xsrf == "" {
		return RedeemResult{}, errors.New("leaflow: missing XSRF-TOKEN cookie")
	}
	if dec, err := url.QueryUnescape(xsrf); err == nil {
		xsrf = dec
	}

	payload, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return RedeemResult{}, err
	}

	_, body, err := s.do(ctx, http.MethodPost, redeemURL, bytes.NewReader(payload), map[string]string{
		"X-Inertia":         "true",
		"X-Inertia-Version": version,
		"X-XSRF-TOKEN":      xsrf,
		"X-Requested-With":  "XMLHttpRequest",
		"Content-Type":      "application/json",
	})
	if err != nil {
		return RedeemResult{}, err
	}

	return parseRedeemResponse(body)
}

// extractInertiaVersion pulls the asset version hash out of the page, first
// from the data-page JSON blob, then from a raw version field.
func extractInertiaVersion(page string) string {
	if m := dataPagePattern.FindStringSubmatch(page); m != nil {
		var data struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal([]byte(html.UnescapeString(m[1])), &data); err == nil && data.Version != "" {
			return data.Version
		}
	}
	if m := versionPattern.FindStringSubmatch(page); m != nil {
		return m[1]
	}
	return ""
}

func parseRedeemResponse(body string) (RedeemResult, error) {
	var data struct {
		Props struct {
			Flash struct {
				Success string `json:"success"`
				Error   string `json:"error"`
				Message string `json:"message"`
			} `json:"flash"`
		} `json:"props"`
	}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		if strings.Contains(strings.ToLower(body), "login") {
			return RedeemResult{}, ErrAuthExpired
		}
		return RedeemResult{Success: false, Message: "unparseable redeem response"}, nil
	}

	flash := data.Props.Flash
	switch {
	case flash.Success != "":
		return RedeemResult{Success: true, Message: flash.Success, Amount: ExtractAmount(flash.Success)}, nil
	case flash.Error != "":
		return RedeemResult{Success: false, Message: flash.Error}, nil
	case flash.Message != "":
		return RedeemResult{Success: false, Message: flash.Message}, nil
	default:
		return RedeemResult{Success: false, Message: "unknown redeem response"}, nil
	}
}

// ExtractAmount pulls the numeric amount out of a redeem success message
// such as "兑换成功！获得 ¥5.00000000 余额". Empty string when absent.
func ExtractAmount(message string) string {
	if message == "" {
		return ""
	}
	if m := amountPattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return ""
}
