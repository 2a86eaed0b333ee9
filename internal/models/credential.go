package models

import (
	"fmt"

	"github.com/google/uuid"
)

// CredentialScopeKey identifies the owner of a credential bundle: exactly
// one of organization or widget instance, never both.
type CredentialScopeKey struct {
	ScopeType CredentialScope
	ScopeID   uuid.UUID
}

func (k CredentialScopeKey) Validate() error {
	if k.ScopeType != CredentialScopeOrganization && k.ScopeType != CredentialScopeWidget {
		return fmt.Errorf("invalid credential scope type %q", k.ScopeType)
	}
	if k.ScopeID == uuid.Nil {
		return fmt.Errorf("credential scope id is required")
	}
	return nil
}

// String renders the scope as a lock key so credential writes for the
// same scope are serialized.
func (k CredentialScopeKey) String() string {
	return fmt.Sprintf("%s:%s", k.ScopeType, k.ScopeID)
}

// CredentialRecord is a secret bundle for one integration within one
// scope. The secret material itself lives in the credential store backend;
// this struct is only ever held in memory during a fetch.
type CredentialRecord struct {
	Scope         CredentialScopeKey
	IntegrationID uuid.UUID
	Secrets       map[string]string
}

// Equal compares secret material. Used to decide whether a fetcher
// rotated credentials and the store needs a write-back.
func (c *CredentialRecord) Equal(other *CredentialRecord) bool {
	if c == nil || other == nil {
		return c == other
	}
	if len(c.Secrets) != len(other.Secrets) {
		return false
	}
	for key, value := range c.Secrets {
		if otherValue, ok := other.Secrets[key]; !ok || otherValue != value {
			return false
		}
	}
	return true
}
