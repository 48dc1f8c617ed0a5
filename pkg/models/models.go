package models

import (
	"strings"
	"time"
)

// AppOnlyUser marks a subscription created with application permissions
const AppOnlyUser = "APP-ONLY"

// Lifecycle event names sent by Microsoft Graph
const (
	LifecycleReauthorizationRequired = "reauthorizationRequired"
	LifecycleSubscriptionRemoved     = "subscriptionRemoved"
	LifecycleMissed                  = "missed"
)

// Display event types
const (
	EventTypeMessage     = "message"
	EventTypeChatMessage = "chatMessage"
)

// ChangeNotificationCollection is the body of a notification POST
type ChangeNotificationCollection struct {
	Value            []ChangeNotification `json:"value"`
	ValidationTokens []string             `json:"validationTokens,omitempty"`
}

// HasEncryptedContent reports whether any notification carries resource data
func (c *ChangeNotificationCollection) HasEncryptedContent() bool {
	for _, n := range c.Value {
		if n.EncryptedContent != nil {
			return true
		}
	}
	return false
}

// ChangeNotification describes a single change to a watched resource
type ChangeNotification struct {
	ID                             string            `json:"id,omitempty"`
	SubscriptionID                 string            `json:"subscriptionId"`
	ClientState                    string            `json:"clientState,omitempty"`
	ChangeType                     string            `json:"changeType,omitempty"`
	Resource                       string            `json:"resource,omitempty"`
	TenantID                       string            `json:"tenantId,omitempty"`
	SubscriptionExpirationDateTime *time.Time        `json:"subscriptionExpirationDateTime,omitempty"`
	ResourceData                   *ResourceData     `json:"resourceData,omitempty"`
	EncryptedContent               *EncryptedContent `json:"encryptedContent,omitempty"`
	LifecycleEvent                 string            `json:"lifecycleEvent,omitempty"`
}

// IsLifecycle reports whether the notification is a lifecycle signal
func (n *ChangeNotification) IsLifecycle() bool {
	return n.LifecycleEvent != ""
}

// ResourceData is the lightweight resource reference attached to a notification
type ResourceData struct {
	ODataType string `json:"@odata.type,omitempty"`
	ODataID   string `json:"@odata.id,omitempty"`
	ID        string `json:"id,omitempty"`
}

// EncryptedContent carries resource data encrypted with the subscription certificate
type EncryptedContent struct {
	Data                            string `json:"data"`
	DataSignature                   string `json:"dataSignature"`
	DataKey                         string `json:"dataKey"`
	EncryptionCertificateID         string `json:"encryptionCertificateId,omitempty"`
	EncryptionCertificateThumbprint string `json:"encryptionCertificateThumbprint,omitempty"`
}

// SubscriptionRecord is the locally tracked state of a Graph subscription
type SubscriptionRecord struct {
	ID          string     `json:"id"`
	ClientState string     `json:"clientState"`
	UserID      string     `json:"userId"`
	TenantID    string     `json:"tenantId"`
	Resource    string     `json:"resource,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// IsAppOnly reports whether the subscription belongs to the application itself
func (r *SubscriptionRecord) IsAppOnly() bool {
	return strings.EqualFold(r.UserID, AppOnlyUser)
}

// DisplayEvent is the normalized event pushed to connected clients
type DisplayEvent struct {
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscriptionId"`
	Resource       string    `json:"resource"`
	ID             string    `json:"id,omitempty"`
	Subject        string    `json:"subject,omitempty"`
	Sender         string    `json:"sender,omitempty"`
	Message        string    `json:"message,omitempty"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// ChatMessage is the subset of a Teams chat message shown to clients
type ChatMessage struct {
	ID   string `json:"id"`
	From *struct {
		User *struct {
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"from"`
	Body *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

// SenderName returns the display name of the sending user, if any
func (m *ChatMessage) SenderName() string {
	if m.From == nil || m.From.User == nil {
		return ""
	}
	return m.From.User.DisplayName
}

// Content returns the message body, if any
func (m *ChatMessage) Content() string {
	if m.Body == nil {
		return ""
	}
	return m.Body.Content
}

// MailMessage is the subset of an Outlook message shown to clients
type MailMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    *struct {
		EmailAddress *struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	BodyPreview string `json:"bodyPreview"`
}

// SenderName returns the sender display name or address, if any
func (m *MailMessage) SenderName() string {
	if m.From == nil || m.From.EmailAddress == nil {
		return ""
	}
	if m.From.EmailAddress.Name != "" {
		return m.From.EmailAddress.Name
	}
	return m.From.EmailAddress.Address
}

// DelegatedToken is a user access token seeded for impersonation
type DelegatedToken struct {
	TenantID    string    `json:"tenantId"`
	UserID      string    `json:"userId"`
	AccessToken string    `json:"accessToken"`
	ExpiresOn   time.Time `json:"expiresOn"`
}
