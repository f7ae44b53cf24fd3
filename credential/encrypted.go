package credential

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// EncryptedStore seals values before handing them to an underlying Store.
// The key name is bound as associated data, so a value copied to another key
// fails to open.
type EncryptedStore struct {
	Store
	AEAD tink.AEAD
}

var _ Store = (*EncryptedStore)(nil)

func (s *EncryptedStore) Get(ctx context.Context, key string) (string, bool, error) {
	raw, ok, err := s.Store.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	ct, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", false, fmt.Errorf("decoding %s: %w", key, err)
	}
	pt, err := s.AEAD.Decrypt(ct, []byte(key))
	if err != nil {
		return "", false, fmt.Errorf("decrypting %s: %w", key, err)
	}
	return string(pt), true, nil
}

func (s *EncryptedStore) Set(ctx context.Context, key, value string) error {
	ct, err := s.AEAD.Encrypt([]byte(value), []byte(key))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", key, err)
	}
	return s.Store.Set(ctx, key, base64.StdEncoding.EncodeToString(ct))
}
