package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

const previewLimit = 120

// ConversationSummary is the directory record for one conversation.
type ConversationSummary struct {
	ConversationID string    `bson:"_id" json:"conversationId"`
	DisplayName    string    `bson:"displayName,omitempty" json:"displayName,omitempty"`
	LastMessage    string    `bson:"lastMessage,omitempty" json:"lastMessage,omitempty"`
	LastSenderRole Role      `bson:"lastSenderRole,omitempty" json:"lastSenderRole,omitempty"`
	LastMessageAt  time.Time `bson:"lastMessageAt" json:"lastMessageAt"`
	UnreadByUser   bool      `bson:"unreadByUser" json:"unreadByUser"`
	UnreadByAdmin  bool      `bson:"unreadByAdmin" json:"unreadByAdmin"`
	LastSeq        int64     `bson:"lastSeq,omitempty" json:"lastSeq,omitempty"`
}

func (s ConversationSummary) UnreadBy(r Role) bool {
	if r == RoleAdmin {
		return s.UnreadByAdmin
	}
	return s.UnreadByUser
}

// SummaryPatch is a field-level merge into a ConversationSummary. Nil fields
// are left untouched. A patch carrying LastSeq only applies when it is newer
// than the stored LastSeq; of an older one only the display name is kept.
type SummaryPatch struct {
	LastSeq        *int64
	DisplayName    *string
	LastMessage    *string
	LastSenderRole *Role
	LastMessageAt  *time.Time
	UnreadByUser   *bool
	UnreadByAdmin  *bool
}

func (p *SummaryPatch) SetUnread(r Role, v bool) {
	if r == RoleAdmin {
		p.UnreadByAdmin = &v
		return
	}
	p.UnreadByUser = &v
}

func (p SummaryPatch) Empty() bool {
	return p.LastSeq == nil && p.DisplayName == nil && p.LastMessage == nil && p.LastSenderRole == nil &&
		p.LastMessageAt == nil && p.UnreadByUser == nil && p.UnreadByAdmin == nil
}

// Supersedes reports whether the patch may be applied on top of s.
func (p SummaryPatch) Supersedes(s ConversationSummary) bool {
	return p.LastSeq == nil || *p.LastSeq > s.LastSeq
}

// Stale is what survives of a patch that lost to a newer sequence.
func (p SummaryPatch) Stale() SummaryPatch {
	return SummaryPatch{DisplayName: p.DisplayName}
}

// Apply merges the patch into s.
func (p SummaryPatch) Apply(s *ConversationSummary) {
	if p.LastSeq != nil {
		s.LastSeq = *p.LastSeq
	}
	if p.DisplayName != nil {
		s.DisplayName = *p.DisplayName
	}
	if p.LastMessage != nil {
		s.LastMessage = *p.LastMessage
	}
	if p.LastSenderRole != nil {
		s.LastSenderRole = *p.LastSenderRole
	}
	if p.LastMessageAt != nil {
		s.LastMessageAt = *p.LastMessageAt
	}
	if p.UnreadByUser != nil {
		s.UnreadByUser = *p.UnreadByUser
	}
	if p.UnreadByAdmin != nil {
		s.UnreadByAdmin = *p.UnreadByAdmin
	}
}

// SetFields renders the patch as a $set document.
func (p SummaryPatch) SetFields() bson.M {
	set := bson.M{}
	if p.LastSeq != nil {
		set["lastSeq"] = *p.LastSeq
	}
	if p.DisplayName != nil {
		set["displayName"] = *p.DisplayName
	}
	if p.LastMessage != nil {
		set["lastMessage"] = *p.LastMessage
	}
	if p.LastSenderRole != nil {
		set["lastSenderRole"] = *p.LastSenderRole
	}
	if p.LastMessageAt != nil {
		set["lastMessageAt"] = *p.LastMessageAt
	}
	if p.UnreadByUser != nil {
		set["unreadByUser"] = *p.UnreadByUser
	}
	if p.UnreadByAdmin != nil {
		set["unreadByAdmin"] = *p.UnreadByAdmin
	}
	return set
}

// Preview shortens message text for the directory listing.
func Preview(text string) string {
	r := []rune(text)
	if len(r) <= previewLimit {
		return text
	}
	return string(r[:previewLimit]) + "..."
}
