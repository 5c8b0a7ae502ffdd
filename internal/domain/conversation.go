package domain

// Profile: публичная карточка пользователя из user-directory.
type Profile struct {
	ID        UserID `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Role      string `json:"role,omitempty"`
}

const PlaceholderUsername = "unknown user"

// PlaceholderProfile используется, если собеседник не найден (удалён аккаунт).
func PlaceholderProfile(id UserID) Profile {
	return Profile{ID: id, Username: PlaceholderUsername}
}

// ConversationRow: результат агрегации store'а, без профиля.
type ConversationRow struct {
	Peer        UserID
	LastMessage Message
	UnreadCount int64
}

// Conversation: производная строка: последний message + unread по собеседнику.
type Conversation struct {
	User        Profile `json:"user"`
	LastMessage Message `json:"lastMessage"`
	UnreadCount int64   `json:"unreadCount"`
}
