package bot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Client struct {
	token  string
	httpc  *http.Client
	apiURL string
}

func NewClient(token string) *Client {
	return &Client{
		token:  token,
		apiURL: "https://api.telegram.org/bot" + token,
		httpc:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) send(method string, payload any) error {
	b, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", c.apiURL+"/"+method, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram %s: %s", method, resp.Status)
	}
	return nil
}

func (c *Client) SendMessage(chatID int64, text string) error {
	return c.send("sendMessage", map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
}

func (c *Client) ApproveJoinRequest(chatID, userID int64) error {
	return c.send("approveChatJoinRequest", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	})
}

func (c *Client) DeclineJoinRequest(chatID, userID int64) error {
	return c.send("declineChatJoinRequest", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	})
}

// RemoveMember kicks a user without leaving a permanent ban: Telegram has no
// plain "kick", so ban then immediately unban.
func (c *Client) RemoveMember(chatID, userID int64) error {
	if err := c.send("banChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}); err != nil {
		return err
	}
	return c.send("unbanChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	})
}
