package gmail

import (
	"context"

	"golang.org/x/oauth2"
)

// Client is the narrow Gmail surface required by the mailbox facade. Every
// call takes the authorization handle obtained for that call and the account
// it acts on ("me" for the authorized user).
type Client interface {
	ListLabels(ctx context.Context, auth oauth2.TokenSource, userID string) ([]Label, error)
	CreateLabel(ctx context.Context, auth oauth2.TokenSource, userID, name string) (Label, error)
	DeleteLabel(ctx context.Context, auth oauth2.TokenSource, userID string, id LabelID) error

	GetMessage(ctx context.Context, auth oauth2.TokenSource, userID string, id MessageID, opts GetOptions) (Message, error)
	ListMessages(ctx context.Context, auth oauth2.TokenSource, userID string, opts ListOptions, pageToken string, pageSize int) (ListPage, error)
	ModifyMessage(ctx context.Context, auth oauth2.TokenSource, userID string, id MessageID, ops ModifyOps) (Message, error)
	BatchModify(ctx context.Context, auth oauth2.TokenSource, userID string, ids []MessageID, ops ModifyOps) error
	TrashMessage(ctx context.Context, auth oauth2.TokenSource, userID string, id MessageID) (Message, error)
	UntrashMessage(ctx context.Context, auth oauth2.TokenSource, userID string, id MessageID) (Message, error)

	GetAttachment(ctx context.Context, auth oauth2.TokenSource, userID string, messageID MessageID, attachmentID string) (Attachment, error)
}

// MaxBatchModify is the provider's cap on ids per batchModify request.
const MaxBatchModify = 1000
