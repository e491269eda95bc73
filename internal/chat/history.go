package chat

import (
	"fitchat/internal/models"
	"slices"
)

// History is the message buffer of the selected conversation. It keeps at
// most MaxRecords messages and drops the oldest ones first. It is not safe
// for concurrent use; the Manager guards it.
type History struct {
	Records    []models.Message
	MaxRecords int
}

func NewHistory(maxRecords int) *History {
	return &History{MaxRecords: maxRecords}
}

func (h *History) Append(msg models.Message) {
	h.Records = append(h.Records, msg)
	if h.MaxRecords > 0 && len(h.Records) > h.MaxRecords {
		n := len(h.Records) - h.MaxRecords
		h.Records = slices.Delete(h.Records, 0, n)
	}
}

// Confirm replaces the oldest pending message with the same body by the
// server copy. It reports false when nothing was pending for it.
func (h *History) Confirm(msg models.Message) bool {
	for i, r := range h.Records {
		if r.Pending && r.Body == msg.Body {
			h.Records[i] = msg
			return true
		}
	}
	return false
}

// Remove drops the pending message with the given temporary id.
func (h *History) Remove(tempID string) bool {
	for i, r := range h.Records {
		if r.TempID == tempID {
			h.Records = slices.Delete(h.Records, i, i+1)
			return true
		}
	}
	return false
}

func (h *History) Clear() {
	h.Records = nil
}

// Last returns up to count most recent messages in chronological order.
// A count below one returns nothing.
func (h *History) Last(count int) []models.Message {
	if count <= 0 {
		return nil
	}
	if count > len(h.Records) {
		count = len(h.Records)
	}
	return slices.Clone(h.Records[len(h.Records)-count:])
}

func (h *History) All() []models.Message {
	return slices.Clone(h.Records)
}
