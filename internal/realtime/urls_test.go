package realtime

import "testing"

func TestChannelIDs(t *testing.T) {
	if got := UserNotificationsChannel(" u1 "); got != "user_notifications_u1" {
		t.Fatalf("user channel = %q", got)
	}
	if got := MeetingChatChannel("m1"); got != "meeting_chat_m1" {
		t.Fatalf("meeting channel = %q", got)
	}
	if got := SystemNotificationsChannel(); got != "system_notifications" {
		t.Fatalf("system channel = %q", got)
	}
}

func TestChannelURLSchemes(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://gateway:8080", "ws://gateway:8080/ws/system/?token=tok"},
		{"https://gateway", "wss://gateway/ws/system/?token=tok"},
		{"ws://gateway", "ws://gateway/ws/system/?token=tok"},
	}
	for _, tc := range cases {
		got, err := SystemNotificationsURL(tc.base, "tok")
		if err != nil {
			t.Fatalf("SystemNotificationsURL(%s): %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("SystemNotificationsURL(%s) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestChannelURLWithoutToken(t *testing.T) {
	got, err := UserNotificationsURL("ws://gateway", "u1", "")
	if err != nil {
		t.Fatalf("UserNotificationsURL: %v", err)
	}
	if got != "ws://gateway/ws/notifications/u1/" {
		t.Fatalf("url = %q", got)
	}
}

func TestChannelURLRejectsBadBase(t *testing.T) {
	if _, err := ChannelURL("", "/ws/system/", ""); err == nil {
		t.Fatalf("empty base accepted")
	}
	if _, err := ChannelURL("ftp://gateway", "/ws/system/", ""); err == nil {
		t.Fatalf("ftp base accepted")
	}
}
