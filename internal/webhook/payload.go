package webhook

import (
	"encoding/json"
	"strconv"
	"time"

	"inbound-automation/internal/models"
)

type deliveryPayload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Changes   []change    `json:"changes"`
	Messaging []messaging `json:"messaging"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type commentValue struct {
	From struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Media struct {
		ID string `json:"id"`
	} `json:"media"`
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	CreatedTime epochTime `json:"created_time"`
}

type messaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Mid    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

// epochTime accepts unix seconds as a JSON number or a numeric string.
type epochTime time.Time

func (t *epochTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if n, err = strconv.ParseInt(s, 10, 64); err != nil {
			return err
		}
	}
	*t = epochTime(time.Unix(n, 0).UTC())
	return nil
}

// events flattens a delivery into normalized events. Changes other than
// comments and messaging items without a message are ignored.
func (p deliveryPayload) events() []models.InboundEvent {
	var out []models.InboundEvent
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			if c.Field != "comments" {
				continue
			}
			var v commentValue
			if err := json.Unmarshal(c.Value, &v); err != nil || v.ID == "" {
				continue
			}
			out = append(out, models.InboundEvent{
				PlatformAccountID: e.ID,
				Type:              models.EventComment,
				CommentID:         v.ID,
				MediaID:           v.Media.ID,
				AuthorID:          v.From.ID,
				AuthorUsername:    v.From.Username,
				Text:              v.Text,
				CreatedAt:         time.Time(v.CreatedTime),
			})
		}
		for _, m := range e.Messaging {
			if m.Message == nil || m.Message.Mid == "" {
				continue
			}
			out = append(out, models.InboundEvent{
				PlatformAccountID: e.ID,
				Type:              models.EventMessage,
				MessageID:         m.Message.Mid,
				SenderID:          m.Sender.ID,
				IsEcho:            m.Message.IsEcho,
				Text:              m.Message.Text,
				CreatedAt:         time.UnixMilli(m.Timestamp).UTC(),
			})
		}
	}
	return out
}
