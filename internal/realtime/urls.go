package realtime

import (
	"fmt"
	"net/url"
	"strings"
)

// Channel id and URL helpers. Ids are stable keys for the manager; paths
// follow the gateway's routing table.

func UserNotificationsChannel(userID string) string {
	return "user_notifications_" + strings.TrimSpace(userID)
}

func ProjectChannel(projectID string) string {
	return "project_" + strings.TrimSpace(projectID)
}

func MeetingChatChannel(meetingID string) string {
	return "meeting_chat_" + strings.TrimSpace(meetingID)
}

func SystemNotificationsChannel() string {
	return "system_notifications"
}

// ChannelURL builds the websocket URL for a channel path relative to the
// gateway base, appending the bearer token as a query parameter when set.
func ChannelURL(base, path, token string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("gateway base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway scheme: %s", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + path
	if token = strings.TrimSpace(token); token != "" {
		query := parsed.Query()
		query.Set("token", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func UserNotificationsURL(base, userID, token string) (string, error) {
	return ChannelURL(base, fmt.Sprintf("/ws/notifications/%s/", strings.TrimSpace(userID)), token)
}

func ProjectNotificationsURL(base, projectID, token string) (string, error) {
	return ChannelURL(base, fmt.Sprintf("/ws/projects/%s/notifications/", strings.TrimSpace(projectID)), token)
}

func MeetingChatURL(base, meetingID, token string) (string, error) {
	return ChannelURL(base, fmt.Sprintf("/ws/meetings/%s/chat/", strings.TrimSpace(meetingID)), token)
}

func SystemNotificationsURL(base, token string) (string, error) {
	return ChannelURL(base, "/ws/system/", token)
}
