package viewmodel

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/tonimelisma/melisma/internal/folders"
	"github.com/tonimelisma/melisma/internal/mail"
)

// inboxNames are localized display names of the inbox, case-folded.
var inboxNames = foldAll(
	"Inbox",
	"Posteingang",
	"Boîte de réception",
	"Bandeja de entrada",
	"Posta in arrivo",
	"Caixa de entrada",
	"Postvak IN",
	"Inkorgen",
	"Indbakke",
	"Innboks",
	"Saapuneet",
	"Odebrane",
	"Doručená pošta",
	"Beérkezett üzenetek",
	"Gelen Kutusu",
	"Входящие",
	"受信トレイ",
	"收件箱",
	"받은편지함",
)

func foldAll(names ...string) map[string]bool {
	folder := cases.Fold()
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[folder.String(n)] = true
	}
	return out
}

// isInbox reports whether f is the inbox by type or by display name.
func isInbox(f mail.Folder) bool {
	if f.Type == mail.FolderInbox {
		return true
	}
	return inboxNames[cases.Fold().String(strings.TrimSpace(f.DisplayName))]
}

// defaultSelection picks the folder to show when nothing is selected: the
// inbox of the first account with a loaded, non-empty folder list, else
// that account's first folder.
func defaultSelection(accounts []mail.Account, states folders.States) (string, mail.Folder, bool) {
	for _, a := range accounts {
		st, ok := states[a.ID]
		if !ok || st.Status != folders.StatusSuccess || len(st.Folders) == 0 {
			continue
		}
		for _, f := range st.Folders {
			if isInbox(f) {
				return a.ID, f, true
			}
		}
		return a.ID, st.Folders[0], true
	}
	return "", mail.Folder{}, false
}
