package models

import (
	"strings"
	"time"
)

// Message represents a direct message. Seen only ever moves from false to true.
type Message struct {
	ID        string    `json:"_id" bson:"_id"`             // Unique message ID (UUID)
	Text      string    `json:"text" bson:"text"`           // Text body, may be empty for media messages
	ImageURL  string    `json:"imageUrl" bson:"imageUrl"`   // Image reference
	VideoURL  string    `json:"videoUrl" bson:"videoUrl"`   // Video reference
	Seen      bool      `json:"seen" bson:"seen"`           // Set once the receiver has read it
	MsgByUser string    `json:"msgByUser" bson:"msgByUser"` // ID of the user who sent it
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}

// Content is the payload a sender supplies for a new message.
type Content struct {
	Text     string
	ImageURL string
	VideoURL string
}

// Normalize trims surrounding whitespace from every field.
func (c Content) Normalize() Content {
	return Content{
		Text:     strings.TrimSpace(c.Text),
		ImageURL: strings.TrimSpace(c.ImageURL),
		VideoURL: strings.TrimSpace(c.VideoURL),
	}
}

// Empty reports whether none of text, image or video is set.
func (c Content) Empty() bool {
	n := c.Normalize()
	return n.Text == "" && n.ImageURL == "" && n.VideoURL == ""
}
