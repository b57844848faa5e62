package rp

import (
	"encoding/json"
	"fmt"

	jose "gopkg.in/square/go-jose.v2"
)

// DataProtector is the secure data protection capability the pipeline uses to
// shield the Properties bag (round-tripped through the "state" parameter) and
// plain nonce strings (embedded in cookie names) from the user agent.
//
// Implementations must be tamper evident: Unprotect must fail for any input
// that was not produced by Protect with the same keys.
type DataProtector interface {
	// Protect encrypts data into an opaque, URL- and cookie-safe string.
	Protect(data []byte) (string, error)

	// Unprotect decrypts a string produced by Protect.
	Unprotect(protected string) ([]byte, error)
}

// JoseDataProtector is the default DataProtector. It produces compact JWE
// serializations using direct symmetric encryption with AES-256-GCM, which
// are both tamper evident and made of cookie-name-safe characters.
type JoseDataProtector struct {
	key       []byte
	encrypter jose.Encrypter
}

// NewJoseDataProtector creates a protector from a 32-byte symmetric key.
func NewJoseDataProtector(key []byte) (*JoseDataProtector, error) {
	const op = "rp.NewJoseDataProtector"
	if len(key) != 32 {
		return nil, fmt.Errorf("%s: key must be 32 bytes, got %d: %w", op, len(key), ErrInvalidParameter)
	}
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create encrypter: %w", op, err)
	}
	return &JoseDataProtector{key: key, encrypter: enc}, nil
}

// Protect encrypts data into a compact JWE string.
func (p *JoseDataProtector) Protect(data []byte) (string, error) {
	const op = "JoseDataProtector.Protect"
	obj, err := p.encrypter.Encrypt(data)
	if err != nil {
		return "", fmt.Errorf("%s: unable to encrypt: %w", op, err)
	}
	serialized, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("%s: unable to serialize: %w", op, err)
	}
	return serialized, nil
}

// Unprotect decrypts a compact JWE string produced by Protect.
func (p *JoseDataProtector) Unprotect(protected string) ([]byte, error) {
	const op = "JoseDataProtector.Unprotect"
	obj, err := jose.ParseEncrypted(protected)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse protected data: %w", op, err)
	}
	data, err := obj.Decrypt(p.key)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to decrypt protected data: %w", op, err)
	}
	return data, nil
}

// protectProperties serializes and protects a Properties bag.
func protectProperties(p DataProtector, props *Properties) (string, error) {
	const op = "rp.protectProperties"
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("%s: unable to marshal properties: %w", op, err)
	}
	protected, err := p.Protect(data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return protected, nil
}

// unprotectProperties reverses protectProperties.
func unprotectProperties(p DataProtector, protected string) (*Properties, error) {
	const op = "rp.unprotectProperties"
	data, err := p.Unprotect(protected)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	props := NewProperties()
	if err := json.Unmarshal(data, props); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal properties: %w", op, err)
	}
	props.ensureItems()
	return props, nil
}
