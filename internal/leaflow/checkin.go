package leaflow

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// CheckinResult is the outcome of one check-in attempt.
type CheckinResult struct {
	Success bool
	Message string
}

var csrfPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)name=["']_token["'][^>]*value=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)name=["']csrf_token["'][^>]*value=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)<meta[^>]*name=["']csrf-token["'][^>]*content=["']([^"']+)["']`),
}

var rewardPatterns = []*regexp.Regexp{
	regexp.MustCompile(`获得奖励[^\d]*(\d+\.?\d*)\s*元`),
	regexp.MustCompile(`(?i)earned.*?(\d+\.?\d*)\s*(credits?|points?)`),
	regexp.MustCompile(`(?i)(\d+\.?\d*)\s*(credits?|points?|元)`),
}

var alreadyIndicators = []string{
	"already checked in", "今日已签到", "checked in today",
	"attendance recorded", "已完成签到", "completed today",
}

var checkinPageIndicators = []string{
	"check-in", "checkin", "签到", "attendance", "daily",
}

var checkinSuccessIndicators = []string{
	"check-in successful", "checkin successful", "签到成功",
	"attendance recorded", "earned reward", "获得奖励",
	"success", "成功", "completed",
}

// CheckIn performs today's check-in for this session.
//
// It loads the check-in page, short-circuits when the page already reports a
// completed check-in, otherwise POSTs the form with the extracted CSRF token.
// A handful of known API endpoints serve as fallback when the page flow does
// not produce a definitive answer.
func (s *Session) CheckIn(ctx context.Context) (CheckinResult, error) {
	checkinURL := s.client.checkinURL()

	status, body, err := s.do(ctx, http.MethodGet, checkinURL, nil, nil)
	if err != nil {
		return CheckinResult{}, err
	}
	if status == http.StatusOK {
		if res, done := s.analyzeAndCheckin(ctx, body, checkinURL); done {
			return res, nil
		}
	}

	endpoints := []string{
		checkinURL + "/api/checkin",
		checkinURL + "/checkin",
		s.client.baseURL() + "/api/checkin",
		s.client.baseURL() + "/checkin",
	}
	for _, endpoint := range endpoints {
		status, body, err := s.do(ctx, http.MethodGet, endpoint, nil, nil)
		if err == nil && status == http.StatusOK {
			if res := checkCheckinResponse(body); res.Success {
				return res, nil
			}
		}

		form := url.Values{"checkin": {"1"}}
		status, body, err = s.do(ctx, http.MethodPost, endpoint,
			strings.NewReader(form.Encode()),
			map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
		if err == nil && status == http.StatusOK {
			if res := checkCheckinResponse(body); res.Success {
				return res, nil
			}
		}
	}

	return CheckinResult{Success: false, Message: "all checkin methods failed"}, nil
}

// analyzeAndCheckin inspects the page and, when it looks like a check-in
// page, submits the form. The second return value reports whether the page
// flow reached a definitive success.
func (s *Session) analyzeAndCheckin(ctx context.Context, page, pageURL string) (CheckinResult, bool) {
	if containsAny(page, alreadyIndicators) {
		return CheckinResult{Success: true, Message: "already checked in today"}, true
	}
	if !containsAny(page, checkinPageIndicators) {
		return CheckinResult{}, false
	}

	form := url.Values{
		"checkin": {"1"},
		"action":  {"checkin"},
		"daily":   {"1"},
	}
	if token := extractCSRFToken(page); token != "" {
		form.Set("_token", token)
		form.Set("csrf_token", token)
	}

	status, body, err := s.do(ctx, http.MethodPost, pageURL,
		strings.NewReader(form.Encode()),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if err != nil || status != http.StatusOK {
		return CheckinResult{}, false
	}

	res := checkCheckinResponse(body)
	return res, res.Success
}

func extractCSRFToken(page string) string {
	for _, re := range csrfPatterns {
		if m := re.FindStringSubmatch(page); m != nil {
			return m[1]
		}
	}
	return ""
}

func checkCheckinResponse(body string) CheckinResult {
	if !containsAny(body, checkinSuccessIndicators) {
		return CheckinResult{Success: false, Message: "checkin response indicates failure"}
	}
	for _, re := range rewardPatterns {
		if m := re.FindStringSubmatch(body); m != nil {
			return CheckinResult{Success: true, Message: "check-in successful, earned " + m[1] + " credits"}
		}
	}
	return CheckinResult{Success: true, Message: "check-in successful"}
}

func containsAny(body string, indicators []string) bool {
	lower := strings.ToLower(body)
	for _, in := range indicators {
		if strings.Contains(lower, in) {
			return true
		}
	}
	return false
}
