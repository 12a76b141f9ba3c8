// internal/messenger/adapter.go
package messenger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pagepulse/broadcast-backend/internal/model"
)

// ChannelSender is the primary-channel surface the adapter needs; a *Client
// satisfies it, tests substitute their own.
type ChannelSender interface {
	SendText(ctx context.Context, pageID, token, recipientID, text, tag string) error
	SendAttachmentURL(ctx context.Context, pageID, token, recipientID, mediaURL, tag string) error
	SendLocalAttachment(ctx context.Context, pageID, token, recipientID, path, tag string) error
}

// SendRequest is one delivery attempt to one recipient.
type SendRequest struct {
	PageID          string
	PageToken       string
	Recipient       model.Recipient
	Text            string
	Tag             string
	LocalMediaPaths []string
	RemoteMediaURLs []string
}

// Adapter sends one message to one recipient: remote media first, then local
// media, then the text, all under the campaign's policy tag. Media failures
// are logged and swallowed unless the recipient is gone; the text message
// decides the attempt's outcome, with policy failures handed to the fallback.
type Adapter struct {
	channel  ChannelSender
	fallback FallbackSender // nil when no fallback is configured
	log      zerolog.Logger
}

func NewAdapter(channel ChannelSender, fallback FallbackSender, log zerolog.Logger) *Adapter {
	return &Adapter{channel: channel, fallback: fallback, log: log}
}

func (a *Adapter) Send(ctx context.Context, req SendRequest) error {
	for _, u := range req.RemoteMediaURLs {
		if err := a.channel.SendAttachmentURL(ctx, req.PageID, req.PageToken, req.Recipient.ID, u, req.Tag); err != nil {
			if se := Classify(err); se.Kind == FailureUnavailable {
				return se
			}
			a.log.Warn().Err(err).
				Str("recipient", req.Recipient.ID).
				Str("url", u).
				Msg("remote media send failed, continuing")
		}
	}
	for _, p := range req.LocalMediaPaths {
		if err := a.channel.SendLocalAttachment(ctx, req.PageID, req.PageToken, req.Recipient.ID, p, req.Tag); err != nil {
			if se := Classify(err); se.Kind == FailureUnavailable {
				return se
			}
			a.log.Warn().Err(err).
				Str("recipient", req.Recipient.ID).
				Str("path", p).
				Msg("local media send failed, continuing")
		}
	}

	err := a.channel.SendText(ctx, req.PageID, req.PageToken, req.Recipient.ID, req.Text, req.Tag)
	if err == nil {
		return nil
	}

	se := Classify(err)
	if se.Kind == FailureUnavailable {
		// Deleted or blocked account. Retrying or falling back is pointless.
		return se
	}
	return a.tryFallback(ctx, req, se)
}

func (a *Adapter) tryFallback(ctx context.Context, req SendRequest, primary *SendError) error {
	if a.fallback == nil || !a.fallback.IsLoggedIn(ctx) {
		return &SendError{
			Kind:    primary.Kind,
			Code:    primary.Code,
			Subcode: primary.Subcode,
			Message: fmt.Sprintf("channel send failed: %s; fallback unavailable", primary.Message),
		}
	}

	recipient := req.Recipient.ID
	if req.Recipient.Name != "" {
		recipient = req.Recipient.Name
	}
	mediaPath := ""
	if len(req.LocalMediaPaths) > 0 {
		mediaPath = req.LocalMediaPaths[0]
	}

	if ferr := a.fallback.SendMessage(ctx, recipient, req.Text, mediaPath); ferr != nil {
		return &SendError{
			Kind:    primary.Kind,
			Code:    primary.Code,
			Subcode: primary.Subcode,
			Message: fmt.Sprintf("channel send failed: %s; fallback failed: %v", primary.Message, ferr),
		}
	}

	a.log.Info().
		Str("recipient", req.Recipient.ID).
		Str("primary_error", primary.Message).
		Msg("delivered via fallback")
	return nil
}
