package deployment

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("deployment not found")
	ErrInactive        = errors.New("deployment is inactive")
	ErrUnauthorized    = errors.New("invalid or missing api key")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrDispatchFailure = errors.New("execution dispatch failed")
	ErrKeyCreate       = errors.New("failed to create api key")
	ErrAlreadyExists   = errors.New("deployment already exists")
)

// Deployment publishes one workflow as an HTTP endpoint.
type Deployment struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	DisplayName    string    `json:"display_name" gorm:"size:255;not null"`
	Description    string    `json:"description" gorm:"type:text"`
	APIName        string    `json:"api_name" gorm:"size:128;uniqueIndex;not null"`
	WorkflowID     string    `json:"workflow_id" gorm:"size:36;index;not null"`
	OrganizationID string    `json:"organization_id" gorm:"size:64;index;not null"`
	IsActive       bool      `json:"is_active" gorm:"not null"`
	APIEndpoint    string    `json:"api_endpoint" gorm:"size:512;not null"`
	CreatedBy      string    `json:"created_by" gorm:"size:36"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Deployment) TableName() string {
	return "api_deployments"
}

var apiNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,127}$`)

// ValidateAPIName reports whether name can be used as a URL path segment.
func ValidateAPIName(name string) error {
	if !apiNamePattern.MatchString(name) {
		return fmt.Errorf("%w: api_name must be lowercase letters, digits, '-' or '_'", ErrInvalidRequest)
	}
	return nil
}

// EndpointPath builds "<prefix>/<org>/<api_name>/".
func EndpointPath(prefix, orgName, apiName string) string {
	prefix = strings.Trim(prefix, "/")
	return fmt.Sprintf("%s/%s/%s/", prefix, orgName, apiName)
}

// StatusEndpoint is the URL a caller polls for the outcome of executionID.
func (d *Deployment) StatusEndpoint(executionID string) string {
	q := url.Values{}
	q.Set("execution_id", executionID)
	return "/" + strings.TrimPrefix(d.APIEndpoint, "/") + "?" + q.Encode()
}

// APIKey grants access to one deployment. Only the sha256 of the raw key is
// stored.
type APIKey struct {
	ID           string     `json:"id" gorm:"primaryKey;size:36"`
	DeploymentID string     `json:"deployment_id" gorm:"size:36;index;not null"`
	Description  string     `json:"description" gorm:"size:255"`
	KeyPrefix    string     `json:"key_prefix" gorm:"size:12;not null"`
	KeyHash      string     `json:"-" gorm:"size:64;uniqueIndex;not null"`
	IsActive     bool       `json:"is_active" gorm:"not null"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedBy    string     `json:"created_by" gorm:"size:36"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

func (APIKey) TableName() string {
	return "api_keys"
}

const keyPrefix = "fd_"

// NewAPIKey generates a key for deploymentID and returns it with the raw
// value, which is never stored.
func NewAPIKey(deploymentID, description, createdBy string) (*APIKey, string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}
	raw := keyPrefix + base64.RawURLEncoding.EncodeToString(keyBytes)

	return &APIKey{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		Description:  description,
		KeyPrefix:    raw[:12],
		KeyHash:      HashKey(raw),
		IsActive:     true,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now().UTC(),
	}, raw, nil
}

func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Matches compares raw against the stored hash in constant time.
func (k *APIKey) Matches(raw string) bool {
	return subtle.ConstantTimeCompare([]byte(HashKey(raw)), []byte(k.KeyHash)) == 1
}

func (k *APIKey) Usable() bool {
	return k.IsActive && k.RevokedAt == nil
}
