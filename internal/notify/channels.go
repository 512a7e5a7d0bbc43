package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"leafcheck/internal/storage"
)

// Channel is one delivery backend. Implementations are stateless; all
// configuration comes from the settings row at build time.
type Channel interface {
	Name() string
	Send(ctx context.Context, title, body string) error
}

// buildChannels assembles the enabled channels from the settings row.
// A channel missing its required credentials is skipped.
func buildChannels(s *storage.NotifySettings, httpc *http.Client) []Channel {
	var out []Channel
	if s.TelegramEnabled && s.TelegramBotToken != "" && s.TelegramUserID != "" {
		out = append(out, &telegramChannel{
			token:  s.TelegramBotToken,
			userID: s.TelegramUserID,
			host:   s.TelegramHost,
			httpc:  httpc,
		})
	}
	if s.WechatEnabled && s.WechatWebhookKey != "" {
		out = append(out, &wechatChannel{key: s.WechatWebhookKey, host: s.WechatHost, httpc: httpc})
	}
	if s.WxPusherEnabled && s.WxPusherAppToken != "" && s.WxPusherUID != "" {
		out = append(out, &wxpusherChannel{appToken: s.WxPusherAppToken, uid: s.WxPusherUID, host: s.WxPusherHost, httpc: httpc})
	}
	if s.DingTalkEnabled && s.DingTalkAccessToken != "" && s.DingTalkSecret != "" {
		out = append(out, &dingtalkChannel{accessToken: s.DingTalkAccessToken, secret: s.DingTalkSecret, host: s.DingTalkHost, httpc: httpc})
	}
	return out
}

func hostOr(host, def string) string {
	if h := strings.TrimRight(strings.TrimSpace(host), "/"); h != "" {
		return h
	}
	return def
}

// postJSON posts a JSON payload and decodes the JSON reply into out.
func postJSON(ctx context.Context, httpc *http.Client, rawURL string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ---- Telegram ----

type telegramChannel struct {
	token  string
	userID string
	host   string
	httpc  *http.Client
}

func (c *telegramChannel) Name() string { return "telegram" }

func (c *telegramChannel) Send(ctx context.Context, title, body string) error {
	uid, err := strconv.ParseInt(strings.TrimSpace(c.userID), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad user id %q", c.userID)
	}

	// Offline skips the getMe handshake; tokens are validated by the send
	// itself, which keeps channel construction cheap per delivery.
	bot, err := tele.NewBot(tele.Settings{
		Token:   c.token,
		URL:     hostOr(c.host, "https://api.telegram.org"),
		Client:  c.httpc,
		Offline: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	text := "📢 " + title + "\n\n" + body
	_, err = bot.Send(&tele.User{ID: uid}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// ---- WeChat Work webhook ----

type wechatChannel struct {
	key   string
	host  string
	httpc *http.Client
}

func (c *wechatChannel) Name() string { return "wechat" }

func (c *wechatChannel) Send(ctx context.Context, title, body string) error {
	u := hostOr(c.host, "https://qyapi.weixin.qq.com") + "/cgi-bin/webhook/send?key=" + url.QueryEscape(c.key)
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": "【" + title + "】\n\n" + body},
	}
	var reply struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := postJSON(ctx, c.httpc, u, payload, &reply); err != nil {
		return err
	}
	if reply.ErrCode != 0 {
		return fmt.Errorf("wechat: errcode %d: %s", reply.ErrCode, reply.ErrMsg)
	}
	return nil
}

// ---- WxPusher ----

type wxpusherChannel struct {
	appToken string
	uid      string
	host     string
	httpc    *http.Client
}

func (c *wxpusherChannel) Name() string { return "wxpusher" }

func (c *wxpusherChannel) Send(ctx context.Context, title, body string) error {
	u := hostOr(c.host, "https://wxpusher.zjiecode.com") + "/api/send/message"

	summary := title
	if runes := []rune(summary); len(runes) > 20 {
		summary = string(runes[:20])
	}
	html := `<div style="padding: 10px;"><h2 style="margin: 0;">` + title +
		`</h2><pre style="white-space: pre-wrap; margin-top: 10px;">` + body +
		`</pre><div style="margin-top: 10px; font-size: 12px;">发送时间: ` +
		time.Now().Format("2006-01-02 15:04:05") + `</div></div>`

	payload := map[string]any{
		"appToken":      c.appToken,
		"content":       html,
		"summary":       summary,
		"contentType":   2,
		"uids":          []string{c.uid},
		"verifyPayType": 0,
	}
	var reply struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := postJSON(ctx, c.httpc, u, payload, &reply); err != nil {
		return err
	}
	if reply.Code != 1000 {
		return fmt.Errorf("wxpusher: code %d: %s", reply.Code, reply.Msg)
	}
	return nil
}

// ---- DingTalk robot ----

type dingtalkChannel struct {
	accessToken string
	secret      string
	host        string
	httpc       *http.Client
}

func (c *dingtalkChannel) Name() string { return "dingtalk" }

func (c *dingtalkChannel) Send(ctx context.Context, title, body string) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	u := hostOr(c.host, "https://oapi.dingtalk.com") + "/robot/send?access_token=" +
		url.QueryEscape(c.accessToken) + "&timestamp=" + timestamp +
		"&sign=" + url.QueryEscape(dingtalkSign(timestamp, c.secret))

	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": "【" + title + "】\n" + body},
		"at":      map[string]any{"isAtAll": false},
	}
	var reply struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := postJSON(ctx, c.httpc, u, payload, &reply); err != nil {
		return err
	}
	if reply.ErrCode != 0 {
		return fmt.Errorf("dingtalk: errcode %d: %s", reply.ErrCode, reply.ErrMsg)
	}
	return nil
}

// dingtalkSign computes the robot signature: base64(HMAC-SHA256(secret,
// "timestamp\nsecret")).
func dingtalkSign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
