package tutor

import (
	"fitchat/internal/content"
	"fitchat/internal/models"
	"slices"
	"strconv"
	"strings"
)

// MergeHistory interleaves user messages and tutor responses into one
// sequence ordered by creation time. On equal timestamps user messages come
// first, then the lower server id.
func MergeHistory(h models.AiChatHistory) []models.AiMessage {
	merged := make([]models.AiMessage, 0, len(h.UserMessages)+len(h.AIResponses))

	for _, m := range h.UserMessages {
		merged = append(merged, models.AiMessage{
			ID:        strconv.FormatInt(m.ID, 10),
			Body:      m.Message,
			CreatedAt: m.CreatedAt,
			Sender:    models.SenderUser,
		})
	}
	for _, r := range h.AIResponses {
		merged = append(merged, models.AiMessage{
			ID:        strconv.FormatInt(r.ID, 10),
			Body:      r.Response,
			HTML:      content.RenderMarkdown(r.Response),
			CreatedAt: r.CreatedAt,
			Sender:    models.SenderAI,
		})
	}

	slices.SortStableFunc(merged, compareMessages)
	return merged
}

func compareMessages(a, b models.AiMessage) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	if a.Sender != b.Sender {
		if a.Sender == models.SenderUser {
			return -1
		}
		return 1
	}
	return compareIDs(a.ID, b.ID)
}

// compareIDs orders numeric ids numerically and anything else as text.
func compareIDs(a, b string) int {
	x, errA := strconv.ParseInt(a, 10, 64)
	y, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
