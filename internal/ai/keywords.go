package ai

import "strings"

var (
	SearchKeywords = []string{"google", "search", "chatgpt", "bing"}
	ChatKeywords   = []string{"messenger", "zalo", "telegram", "whatsapp", "discord"}
)

// MatchKeywords returns the suspicious keywords present in OCR text, each
// at most once, search keywords first.
func MatchKeywords(text string) []string {
	lower := strings.ToLower(text)
	found := []string{}
	for _, list := range [][]string{SearchKeywords, ChatKeywords} {
		for _, kw := range list {
			if strings.Contains(lower, kw) {
				found = append(found, kw)
			}
		}
	}
	return found
}

func IsSearchKeyword(kw string) bool {
	for _, k := range SearchKeywords {
		if k == kw {
			return true
		}
	}
	return false
}

func IsChatKeyword(kw string) bool {
	for _, k := range ChatKeywords {
		if k == kw {
			return true
		}
	}
	return false
}
