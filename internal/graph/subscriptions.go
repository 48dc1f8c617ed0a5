package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	abs "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
)

// SubscriptionManager renews and deletes Graph subscriptions through the
// Graph SDK, scoped to the subscription owner
type SubscriptionManager struct {
	tokens  TokenSource
	baseURL string
}

// NewSubscriptionManager creates a manager. An empty baseURL uses DefaultBaseURL.
func NewSubscriptionManager(tokens TokenSource, baseURL string) *SubscriptionManager {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &SubscriptionManager{tokens: tokens, baseURL: baseURL}
}

// identityAuthProvider authenticates SDK requests as a fixed identity
type identityAuthProvider struct {
	tokens TokenSource
	id     Identity
}

func (p *identityAuthProvider) AuthenticateRequest(ctx context.Context, request *abs.RequestInformation, _ map[string]interface{}) error {
	if request == nil {
		return errors.New("request is nil")
	}
	token, err := p.tokens.Token(ctx, p.id)
	if err != nil {
		return fmt.Errorf("failed to get token for %s: %w", p.id, err)
	}
	request.Headers.Add("Authorization", "Bearer "+token)
	return nil
}

func (m *SubscriptionManager) client(id Identity) (*msgraphsdk.GraphServiceClient, error) {
	adapter, err := msgraphsdk.NewGraphRequestAdapter(&identityAuthProvider{tokens: m.tokens, id: id})
	if err != nil {
		return nil, fmt.Errorf("failed to create graph adapter: %w", err)
	}
	adapter.SetBaseUrl(m.baseURL)
	return msgraphsdk.NewGraphServiceClient(adapter), nil
}

// Renew extends the subscription expiration to expiresAt
func (m *SubscriptionManager) Renew(ctx context.Context, subscriptionID string, id Identity, expiresAt time.Time) error {
	client, err := m.client(id)
	if err != nil {
		return err
	}

	body := graphmodels.NewSubscription()
	body.SetExpirationDateTime(&expiresAt)

	if _, err := client.Subscriptions().BySubscriptionId(subscriptionID).Patch(ctx, body, nil); err != nil {
		return fmt.Errorf("failed to renew subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// Delete removes the subscription at Graph
func (m *SubscriptionManager) Delete(ctx context.Context, subscriptionID string, id Identity) error {
	client, err := m.client(id)
	if err != nil {
		return err
	}
	if err := client.Subscriptions().BySubscriptionId(subscriptionID).Delete(ctx, nil); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", subscriptionID, err)
	}
	return nil
}
