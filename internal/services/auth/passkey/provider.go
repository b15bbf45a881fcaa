package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/louisbranch/larder/internal/services/auth/identity"
	"github.com/louisbranch/larder/internal/services/auth/storage"
)

// Provider is the subset of *webauthn.WebAuthn the ceremonies use.
type Provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// ProviderFactory builds a provider bound to one relying party.
type ProviderFactory func(rp RelyingParty) (Provider, error)

// NewProviderFactory returns a factory backed by go-webauthn.
func NewProviderFactory(displayName string) ProviderFactory {
	return func(rp RelyingParty) (Provider, error) {
		return webauthn.New(&webauthn.Config{
			RPDisplayName: displayName,
			RPID:          rp.ID,
			RPOrigins:     []string{rp.Origin},
		})
	}
}

// Parser decodes raw ceremony responses from the browser.
type Parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// passkeyUser adapts an identity and its credentials to webauthn.User.
type passkeyUser struct {
	identity    identity.Identity
	records     []storage.PasskeyCredential
	credentials []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return []byte(u.identity.ID)
}

func (u *passkeyUser) WebAuthnName() string {
	return u.identity.Email
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	return u.identity.DisplayName
}

func (u *passkeyUser) WebAuthnIcon() string {
	return ""
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// record returns the stored credential with the given raw id.
func (u *passkeyUser) record(rawID []byte) (storage.PasskeyCredential, bool) {
	encoded := encodeCredentialID(rawID)
	for _, record := range u.records {
		if record.CredentialID == encoded {
			return record, true
		}
	}
	return storage.PasskeyCredential{}, false
}

func (h *Handler) loadPasskeyUser(ctx context.Context, base identity.Identity) (*passkeyUser, error) {
	records, err := h.store.ListCredentials(ctx, base.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	credentials, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &passkeyUser{identity: base, records: records, credentials: credentials}, nil
}

func decodeStoredCredentials(records []storage.PasskeyCredential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

// credentialRecord converts a verified credential into its stored form.
func credentialRecord(identityID string, credential webauthn.Credential) (storage.PasskeyCredential, error) {
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("encode credential: %w", err)
	}
	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}
	return storage.PasskeyCredential{
		CredentialID:   encodeCredentialID(credential.ID),
		IdentityID:     identityID,
		PublicKey:      credential.PublicKey,
		SignCount:      credential.Authenticator.SignCount,
		Transports:     transports,
		CredentialJSON: string(credentialJSON),
	}, nil
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
