// Package gmail holds the provider-facing types shared by the mailbox facade
// and the Google API adapter.
package gmail

import "time"

type MessageID string
type LabelID string

// System labels the facade and sweep recipe refer to by id.
const (
	LabelInbox  LabelID = "INBOX"
	LabelUnread LabelID = "UNREAD"
	LabelTrash  LabelID = "TRASH"
)

// Message formats accepted by GetOptions.Format.
const (
	FormatFull     = "full"
	FormatMetadata = "metadata"
	FormatMinimal  = "minimal"
	FormatRaw      = "raw"
)

// Label is a Gmail label as returned by the labels endpoints.
type Label struct {
	ID   LabelID `json:"id"`
	Name string  `json:"name"`
	Type string  `json:"type,omitempty"`
}

// Part is one node of a message payload tree. Attachment bodies are not
// inlined; fetch them with AttachmentID.
type Part struct {
	PartID       string            `json:"part_id,omitempty"`
	MimeType     string            `json:"mime_type,omitempty"`
	Filename     string            `json:"filename,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	AttachmentID string            `json:"attachment_id,omitempty"`
	Size         int64             `json:"size,omitempty"`
	Data         []byte            `json:"data,omitempty"`
	Parts        []Part            `json:"parts,omitempty"`
}

// Message carries whichever provider fields the requested format produced.
type Message struct {
	ID           MessageID         `json:"id"`
	ThreadID     string            `json:"thread_id,omitempty"`
	LabelIDs     []LabelID         `json:"label_ids,omitempty"`
	Snippet      string            `json:"snippet,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"` // From, To, Subject, Date, ...
	Payload      *Part             `json:"payload,omitempty"`
	Raw          []byte            `json:"raw,omitempty"`
	InternalDate time.Time         `json:"internal_date,omitzero"`
	SizeEstimate int64             `json:"size_estimate,omitempty"`
}

// HasLabel reports whether id is among the message labels.
func (m Message) HasLabel(id LabelID) bool {
	for _, l := range m.LabelIDs {
		if l == id {
			return true
		}
	}
	return false
}

// Attachment is a decoded attachment body.
type Attachment struct {
	MessageID MessageID `json:"message_id"`
	ID        string    `json:"id"`
	Size      int64     `json:"size"`
	Data      []byte    `json:"data"`
}

type ModifyOps struct {
	AddLabels    []LabelID
	RemoveLabels []LabelID
}

// Empty reports whether the ops would change nothing.
func (o ModifyOps) Empty() bool {
	return len(o.AddLabels) == 0 && len(o.RemoveLabels) == 0
}

// GetOptions selects the message representation returned by a get call.
type GetOptions struct {
	Format          string   // full, metadata, minimal, raw; empty means provider default (full)
	MetadataHeaders []string // only honoured with FormatMetadata
	Fields          string   // partial response selector, e.g. "id,labelIds,snippet"
}

// ListOptions filters a message listing.
type ListOptions struct {
	Query            string // Gmail search syntax, e.g. `in:inbox is:unread`
	LabelIDs         []LabelID
	MaxResults       int // 0 means no cap
	IncludeSpamTrash bool
	Fields           string
}

// ListPage is one page of a message listing. Listed messages carry only
// ID and ThreadID.
type ListPage struct {
	Messages      []Message
	NextPageToken string
}
