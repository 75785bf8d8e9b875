package relay

import "testing"

func TestShouldProcess(t *testing.T) {
	tests := []struct {
		name      string
		isGroup   bool
		mentioned []string
		selfID    string
		want      bool
	}{
		{
			name:    "direct chat always processes",
			isGroup: false,
			selfID:  "bot@c.us",
			want:    true,
		},
		{
			name:      "direct chat with unrelated mentions",
			isGroup:   false,
			mentioned: []string{"other@c.us"},
			selfID:    "bot@c.us",
			want:      true,
		},
		{
			name:      "group with self mention",
			isGroup:   true,
			mentioned: []string{"other@c.us", "bot@c.us"},
			selfID:    "bot@c.us",
			want:      true,
		},
		{
			name:      "group without self mention",
			isGroup:   true,
			mentioned: []string{"other@c.us"},
			selfID:    "bot@c.us",
			want:      false,
		},
		{
			name:    "group with nil mention list",
			isGroup: true,
			selfID:  "bot@c.us",
			want:    false,
		},
		{
			name:      "group with empty mention list",
			isGroup:   true,
			mentioned: []string{},
			selfID:    "bot@c.us",
			want:      false,
		},
		{
			name:      "group before self id is known",
			isGroup:   true,
			mentioned: []string{""},
			selfID:    "",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldProcess(tt.isGroup, tt.mentioned, tt.selfID)
			if got != tt.want {
				t.Errorf("ShouldProcess(%v, %v, %q) = %v, want %v",
					tt.isGroup, tt.mentioned, tt.selfID, got, tt.want)
			}
		})
	}
}
