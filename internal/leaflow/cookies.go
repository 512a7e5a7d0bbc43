package leaflow

import (
	"encoding/json"
	"errors"
	"strings"
)

// Bundle is a decoded credential bundle: the cookies that authenticate the
// session plus optional extra request headers.
type Bundle struct {
	Cookies map[string]string `json:"cookies"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ParseCookieString accepts either the JSON bundle form or a raw
// "name=value; name2=value2" cookie string pasted from browser devtools.
func ParseCookieString(input string) (*Bundle, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("empty cookie data")
	}

	if strings.HasPrefix(input, "{") {
		var b Bundle
		if err := json.Unmarshal([]byte(input), &b); err == nil {
			if len(b.Cookies) > 0 {
				return &b, nil
			}
			// Bare map form: the whole object is the cookie set.
			var cookies map[string]string
			if err := json.Unmarshal([]byte(input), &cookies); err == nil && len(cookies) > 0 {
				return &Bundle{Cookies: cookies}, nil
			}
		}
	}

	cookies := map[string]string{}
	for _, pair := range strings.Split(input, ";") {
		pair = strings.TrimSpace(pair)
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name != "" {
			cookies[name] = strings.TrimSpace(value)
		}
	}
	if len(cookies) == 0 {
		return nil, errors.New("unrecognized cookie format")
	}
	return &Bundle{Cookies: cookies}, nil
}
