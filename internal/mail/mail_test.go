package mail

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in     string
		want   ProviderType
		wantOK bool
	}{
		{"MS", ProviderMicrosoft, true},
		{"outlook", ProviderMicrosoft, true},
		{" Microsoft ", ProviderMicrosoft, true},
		{"GOOGLE", ProviderGoogle, true},
		{"gmail", ProviderGoogle, true},
		{"yahoo", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseProvider(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseProvider(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestFolderTypeStringCoversAllTypes(t *testing.T) {
	seen := make(map[string]bool)
	for ft := FolderOther; ft <= FolderImportant; ft++ {
		s := ft.String()
		if s == "" || seen[s] {
			t.Errorf("FolderType(%d).String() = %q, want unique non-empty", ft, s)
		}
		seen[s] = true
	}
}

func TestAccountDisplayLabel(t *testing.T) {
	a := Account{Username: "Ann", EmailAddress: "ann@example.com"}
	if got := a.DisplayLabel(); got != "ann@example.com" {
		t.Errorf("DisplayLabel() = %q, want email", got)
	}
	a.EmailAddress = ""
	if got := a.DisplayLabel(); got != "Ann" {
		t.Errorf("DisplayLabel() = %q, want username", got)
	}
}

func TestBuildThreads(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "m3", ThreadID: "t1", Subject: "Re: plan", SenderName: "Bob", Preview: "latest", ReceivedAt: t0.Add(2 * time.Hour)},
		{ID: "m2", ThreadID: "t2", Subject: "Lunch", SenderAddress: "eve@example.com", ReceivedAt: t0.Add(time.Hour), IsRead: true},
		{ID: "m1", ThreadID: "t1", Subject: "plan", SenderName: "Ann", Preview: "first", ReceivedAt: t0, IsRead: true},
		{ID: "m0", Subject: "solo", ReceivedAt: t0},
	}

	got := BuildThreads(msgs)
	if len(got) != 3 {
		t.Fatalf("BuildThreads() returned %d threads, want 3", len(got))
	}

	type summary struct {
		ID           string
		Subject      string
		Snippet      string
		Participants []string
		Count        int
		Unread       int
		Last         time.Time
	}
	var sums []summary
	for _, th := range got {
		sums = append(sums, summary{th.ID, th.Subject, th.Snippet, th.Participants, th.MessageCount, th.UnreadCount, th.LastActivity})
	}
	want := []summary{
		{"t1", "Re: plan", "latest", []string{"Bob", "Ann"}, 2, 1, t0.Add(2 * time.Hour)},
		{"t2", "Lunch", "", []string{"eve@example.com"}, 1, 0, t0.Add(time.Hour)},
		{"m0", "solo", "", nil, 1, 1, t0},
	}
	if diff := cmp.Diff(want, sums); diff != "" {
		t.Errorf("BuildThreads() mismatch (-want +got):\n%s", diff)
	}
}
