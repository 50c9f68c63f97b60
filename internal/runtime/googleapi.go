package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	gc "github.com/nigelsdtech/gmail-model/internal/gmail"
)

// GoogleClient adapts google.golang.org/api/gmail/v1 to gc.Client. A service
// is built per call around the authorization handle for that call.
type GoogleClient struct {
	// Endpoint overrides the API base URL; empty uses the public endpoint.
	Endpoint string
	// Transport is the base round tripper under the oauth2 transport.
	Transport http.RoundTripper
}

func NewGoogleAPIClient() *GoogleClient { return &GoogleClient{} }

func (g *GoogleClient) service(ctx context.Context, auth oauth2.TokenSource) (*gmail.Service, error) {
	if auth == nil {
		return nil, fmt.Errorf("gmail service: nil token source")
	}
	hc := &http.Client{Transport: &oauth2.Transport{Source: auth, Base: g.Transport}}
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if g.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.Endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return svc, nil
}

func (g *GoogleClient) ListLabels(ctx context.Context, auth oauth2.TokenSource, userID string) ([]gc.Label, error) {
	svc, err := g.service(ctx, auth)
	if err != nil {
		return nil, err
	}
	lr, err := svc.Users.Labels.List(userID).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	labels := make([]gc.Label, 0, len(lr.Labels))
	for _, l := range lr.Labels {
		labels = append(labels, toLabel(l))
	}
	return labels, nil
}

func (g *GoogleClient) CreateLabel(ctx context.Context, auth oauth2.TokenSource, userID, name string) (gc.Label, error) {
	svc, err := g.service(ctx, auth)
	if err != nil {
		return gc.Label{}, err
	}
	created, err := svc.Users.Labels.Create(userID, &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return gc.Label{}, err
	}
	return toLabel(created), nil
}

func (g *GoogleClient) DeleteLabel(ctx context.Context, auth oauth2.TokenSource, userID string, id gc.LabelID) error {
	svc, err := g.service(ctx, auth)
	if err != nil {
		return err
	}
	return svc.Users.Labels.Delete(userID, string(id)).Context(ctx).Do()
}

func (g *GoogleClient) GetMessage(
	ctx context.Context,
	auth oauth2.TokenSource,
	userID string,
	id gc.MessageID,
	opts gc.GetOptions,
) (gc.Message, error) {
	svc, err := g.service(ctx, auth)
	if err != nil {
		return gc.Message{}, err
	}
	call := svc.Users.Messages.Get(userID, string(id)).Context(ctx)
	if opts.Format != "" {
		call = call.Format(opts.Format)
	}
	if len(opts.MetadataHeaders) > 0 {
		call = call.MetadataHeaders(opts.MetadataHeaders...)
	}
	if opts.Fields != "" {
		call = call.Fields(googleapi.Field(opts.Fields))
	}
	msg, err := call.Do()
	if err != nil {
		return gc.Message{}, err
	}
	return toMessage(msg)
}

func (g *GoogleClient) ListMessages(
	ctx context.Context,
	auth oauth2.TokenSource,
	userID string,
	opts gc.ListOptions,
	pageToken string,
	pageSize int,
) (gc.ListPage, error) {
	svc, err := g.service(ctx, auth)
	if err != nil {
		return gc.ListPage{}, err
	}
	call := svc.Users.Messages.List(userID).Context(ctx)
	if opts.Query != "" {
		call = call.Q(opts.Query)
	}
	if len(opts.LabelIDs) > 0 {
		call = call.LabelIds(labelStrings(opts.LabelIDs)...)
	}
	if opts.IncludeSpamTrash {
		call = call.IncludeSpamTrash(true)
	}
	if pageSize > 0 {
		call = call.MaxResults(int64(pageSize))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	if opts.Fields != "" {
		call = call.Fields(googleapi.Field(opts.Fields))
	}
	res, err := call.Do()
	if err != nil {
		return gc.ListPage{}, err
	}
	page := gc.ListPage{
		Messages:      make([]gc.Message, 0, len(res.Messages)),
		NextPageToken: res.NextPageToken,
	}
	for _, m := range res.Messages {
		page.Messages = append(page.Messages, gc.Message{ID: gc.MessageID(m.Id), ThreadID: m.ThreadId})
	}
	return page, nil
}

func (g *GoogleClient) ModifyMessage(
	ctx context.Context,
	auth oauth2.TokenSource,
	userID string,
	id gc.MessageID,
	ops gc.ModifyOps,
) (gc.Message, error) {
	svc, err := g.service(ctx, auth)
	if err != nil {
		return gc.Message{}, err
	}
	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    labelStrings(ops.AddLabels),
		RemoveLabelIds: labelStrings(ops.RemoveLabels),
	}
	msg, err := svc.Users.Messages.Modify(userID, string(id), req).Context(ctx).Do()
	if err != nil {
		return gc.Message{}, err
	}
	return toMessage(msg)
}

func (g *GoogleClient) BatchModify(
	ctx context.Context,
	auth oauth2.TokenSource,
	userID string,
	ids []gc.MessageID,
	ops gc.ModifyOps,
) error {
	svc, err := g.service(ctx, auth)
	if err != nil {
		return err
	}
	req := &gmail.BatchModifyMessagesRequest{Ids: messageStrings(ids)}
	if len(ops.AddLabels) > 0 {
		req.AddLabelIds = labelStrings(ops.AddLabels)
	}
	if len(ops.RemoveLabels) > 0 {
		req.RemoveLabelIds = labelStrings(ops.RemoveLabels)
	}
	return svc.Users.Messages.BatchModify(userID, req).Context(ctx).Do()
}

func (g *GoogleClient) TrashMessage(ctx context.Context, auth oauth2.TokenSource, userID string, id gc.MessageID) (gc.Message, error) {
	svc, err := g.service(ctx, auth)
	if err != nil {
		return gc.Message{}, err
	}
	msg, err := svc.Users.Messages.Trash(userID, string(id)).Context(ctx).Do()
	if err != nil {
		return gc.Message{}, err
	}
	return toMessage(msg)
}

func (g *GoogleClient) UntrashMessage(ctx context.Context, auth oauth2.TokenSource, userID string, id gc.MessageID) (gc.Message, error) {
	svc, err := g.service(ctx, auth)
	if err != nil {
		return gc.Message{}, err
	}
	msg, err := svc.Users.Messages.Untrash(userID, string(id)).Context(ctx).Do()
	if err != nil {
		return gc.Message{}, err
	}
	return toMessage(msg)
}

func (g *GoogleClient) GetAttachment(
	ctx context.Context,
	auth oauth2.TokenSource,
	userID string,
	messageID gc.MessageID,
	attachmentID string,
) (gc.Attachment, error) {
	svc, err := g.service(ctx, auth)
	if err != nil {
		return gc.Attachment{}, err
	}
	body, err := svc.Users.Messages.Attachments.Get(userID, string(messageID), attachmentID).Context(ctx).Do()
	if err != nil {
		return gc.Attachment{}, err
	}
	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return gc.Attachment{}, fmt.Errorf("decode attachment %s: %w", attachmentID, err)
	}
	return gc.Attachment{
		MessageID: messageID,
		ID:        attachmentID,
		Size:      body.Size,
		Data:      data,
	}, nil
}

func toLabel(l *gmail.Label) gc.Label {
	return gc.Label{ID: gc.LabelID(l.Id), Name: l.Name, Type: l.Type}
}

func toMessage(msg *gmail.Message) (gc.Message, error) {
	out := gc.Message{
		ID:           gc.MessageID(msg.Id),
		ThreadID:     msg.ThreadId,
		LabelIDs:     toLabelIDs(msg.LabelIds),
		Snippet:      msg.Snippet,
		SizeEstimate: msg.SizeEstimate,
	}
	if msg.InternalDate > 0 {
		out.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Raw != "" {
		raw, err := decodeBase64URL(msg.Raw)
		if err != nil {
			return gc.Message{}, fmt.Errorf("decode raw message %s: %w", msg.Id, err)
		}
		out.Raw = raw
	}
	if msg.Payload != nil {
		part, err := toPart(msg.Payload)
		if err != nil {
			return gc.Message{}, fmt.Errorf("decode payload %s: %w", msg.Id, err)
		}
		out.Payload = &part
		out.Headers = part.Headers
	}
	return out, nil
}

func toPart(p *gmail.MessagePart) (gc.Part, error) {
	part := gc.Part{
		PartID:   p.PartId,
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	if len(p.Headers) > 0 {
		part.Headers = make(map[string]string, len(p.Headers))
		for _, h := range p.Headers {
			part.Headers[h.Name] = h.Value
		}
	}
	if p.Body != nil {
		part.AttachmentID = p.Body.AttachmentId
		part.Size = p.Body.Size
		if p.Body.Data != "" {
			data, err := decodeBase64URL(p.Body.Data)
			if err != nil {
				return gc.Part{}, err
			}
			part.Data = data
		}
	}
	for _, child := range p.Parts {
		c, err := toPart(child)
		if err != nil {
			return gc.Part{}, err
		}
		part.Parts = append(part.Parts, c)
	}
	return part, nil
}

// decodeBase64URL accepts the provider's URL-safe base64 with or without padding.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func toLabelIDs(in []string) []gc.LabelID {
	if len(in) == 0 {
		return nil
	}
	out := make([]gc.LabelID, len(in))
	for i, s := range in {
		out[i] = gc.LabelID(s)
	}
	return out
}

func labelStrings(in []gc.LabelID) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}

func messageStrings(in []gc.MessageID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}

var _ gc.Client = (*GoogleClient)(nil)
