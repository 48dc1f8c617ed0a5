// Package notifications validates Microsoft Graph change notifications and
// turns them into display events for connected clients.
package notifications

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ParleSec/GraphWebhooks/internal/graph"
	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

var (
	// ErrUnknownSubscription is returned for notifications without a registry record
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrClientStateMismatch is returned when clientState differs from the record
	ErrClientStateMismatch = errors.New("client state mismatch")
)

// SubscriptionStore is the registry view the pipeline needs
type SubscriptionStore interface {
	Get(ctx context.Context, id string) (*models.SubscriptionRecord, error)
	Save(ctx context.Context, rec *models.SubscriptionRecord) error
}

// TokenAuthenticator validates the validationTokens of a batch
type TokenAuthenticator interface {
	AreValid(ctx context.Context, tokens []string, requireTokens bool) (bool, error)
}

// ResourceFetcher reads a changed resource as the subscription owner
type ResourceFetcher interface {
	FetchResource(ctx context.Context, resource string, id graph.Identity) (*graph.Resource, error)
}

// Broadcaster delivers display events to connected clients
type Broadcaster interface {
	Send(ctx context.Context, events []models.DisplayEvent) error
}

// Renewer extends a subscription at Graph
type Renewer interface {
	Renew(ctx context.Context, subscriptionID string, id graph.Identity, expiresAt time.Time) error
}

// Result is the outcome of handling one notification request
type Result struct {
	Status int
	// Echo is the plain text body of a validation handshake
	Echo   string
	Events []models.DisplayEvent
}

func handshake(token string) Result {
	return Result{Status: http.StatusOK, Echo: token}
}

func accepted(events []models.DisplayEvent) Result {
	return Result{Status: http.StatusAccepted, Events: events}
}

func parseCollection(body []byte) (*models.ChangeNotificationCollection, error) {
	var batch models.ChangeNotificationCollection
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func clientStateMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func isChatResource(resource, odataType string) bool {
	if strings.Contains(strings.ToLower(odataType), "chatmessage") {
		return true
	}
	r := strings.ToLower(strings.TrimLeft(resource, "/"))
	return strings.HasPrefix(r, "chats") || strings.HasPrefix(r, "teams")
}

// newDisplayEvent builds the client event for a notification and the
// resource JSON fetched or decrypted for it
func newDisplayEvent(n models.ChangeNotification, body []byte, odataType string, receivedAt time.Time) models.DisplayEvent {
	ev := models.DisplayEvent{
		SubscriptionID: n.SubscriptionID,
		Resource:       n.Resource,
		ReceivedAt:     receivedAt,
	}
	if n.ResourceData != nil {
		ev.ID = n.ResourceData.ID
		if odataType == "" {
			odataType = n.ResourceData.ODataType
		}
	}

	if isChatResource(n.Resource, odataType) {
		ev.Type = models.EventTypeChatMessage
		var msg models.ChatMessage
		if err := json.Unmarshal(body, &msg); err == nil {
			if msg.ID != "" {
				ev.ID = msg.ID
			}
			ev.Sender = msg.SenderName()
			ev.Message = msg.Content()
		}
		return ev
	}

	ev.Type = models.EventTypeMessage
	var msg models.MailMessage
	if err := json.Unmarshal(body, &msg); err == nil {
		if msg.ID != "" {
			ev.ID = msg.ID
		}
		ev.Subject = msg.Subject
		ev.Sender = msg.SenderName()
		ev.Message = msg.BodyPreview
	}
	return ev
}
