package bot

type Update struct {
	UpdateID    int64            `json:"update_id"`
	Message     *Message         `json:"message,omitempty"`
	JoinRequest *ChatJoinRequest `json:"chat_join_request,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      *Chat  `json:"chat"`
	Text      string `json:"text"`
}

type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type ChatJoinRequest struct {
	Chat *Chat `json:"chat"`
	From *User `json:"from"`
	Date int64 `json:"date"`
}
