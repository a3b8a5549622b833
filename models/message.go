package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Message is one committed entry of a conversation log. CreatedAt is nil
// until the store has committed the message.
type Message struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ConversationID string             `bson:"conversationId" json:"conversationId"`
	Seq            int64              `bson:"seq" json:"seq"`
	Text           string             `bson:"text" json:"text"`
	SenderRole     Role               `bson:"senderRole" json:"senderRole"`
	SenderID       string             `bson:"senderId" json:"senderId"`
	ClientToken    string             `bson:"clientToken,omitempty" json:"clientToken,omitempty"`
	CreatedAt      *time.Time         `bson:"createdAt" json:"createdAt"`
}

func (m Message) Committed() bool {
	return m.CreatedAt != nil
}

// NewMessage is the caller-supplied part of an append.
type NewMessage struct {
	ConversationID string
	SenderRole     Role
	SenderID       string
	Text           string
	ClientToken    string
}
