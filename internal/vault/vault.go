package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize = 16
	keySize  = 32

	// argon2id parameters (RFC 9106 second recommended option).
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	// checkKey holds a known plaintext encrypted at first unlock so a
	// later unlock can reject a wrong password instead of handing out
	// a key that fails on every decrypt.
	checkKey   = "vault.check"
	checkValue = "modelmux"
)

// ErrLocked is returned when an operation requires an unlocked vault.
var ErrLocked = errors.New("vault locked")

// ErrWrongPassword is returned by Unlock when the derived key cannot
// decrypt the stored check value.
var ErrWrongPassword = errors.New("wrong password")

// Vault provides encrypted credential storage with a lock/unlock lifecycle.
// Backend auth tokens and other secrets are encrypted at rest using
// AES-256-GCM under an argon2id-derived key.
type Vault struct {
	enabled bool

	mu     sync.RWMutex
	locked bool

	// per-vault random salt for key derivation (persisted alongside
	// the encrypted values)
	salt []byte

	// derived key (in-memory only; cleared on lock)
	key []byte

	// encrypted KV store
	values map[string][]byte
}

func New(enabled bool) (*Vault, error) {
	return &Vault{
		enabled: enabled,
		locked:  enabled, // locked on start if enabled
		values:  make(map[string][]byte),
	}, nil
}

func (v *Vault) Enabled() bool {
	return v.enabled
}

func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled && v.locked
}

// Unlock derives the encryption key from the master password via
// argon2id and the vault salt. A fresh vault generates its salt here.
func (v *Vault) Unlock(master []byte) error {
	if !v.enabled {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(master) < 8 {
		return errors.New("password too short")
	}
	if len(v.salt) == 0 {
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		v.salt = salt
	}

	key := argon2.IDKey(master, v.salt, argonTime, argonMemory, argonThreads, keySize)

	if enc, ok := v.values[checkKey]; ok {
		plain, err := open(key, enc)
		if err != nil || string(plain) != checkValue {
			return ErrWrongPassword
		}
	} else {
		enc, err := seal(key, []byte(checkValue))
		if err != nil {
			return fmt.Errorf("seal check value: %w", err)
		}
		v.values[checkKey] = enc
	}

	v.key = key
	v.locked = false
	return nil
}

func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.locked = true
}

// Salt returns the key-derivation salt for persistence.
func (v *Vault) Salt() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cp := make([]byte, len(v.salt))
	copy(cp, v.salt)
	return cp
}

// Restore loads a persisted salt and encrypted values, typically from
// the store at startup. The vault stays locked until Unlock.
func (v *Vault) Restore(salt []byte, data map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(salt) > 0 {
		v.salt = salt
	}
	for k, encValue := range data {
		decoded, err := base64.StdEncoding.DecodeString(encValue)
		if err != nil {
			return fmt.Errorf("failed to decode key %s: %w", k, err)
		}
		v.values[k] = decoded
	}
	return nil
}

// Set encrypts and stores a value.
func (v *Vault) Set(key, value string) error {
	encrypted, err := v.Encrypt([]byte(value))
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.values[key] = encrypted
	v.mu.Unlock()
	return nil
}

// Get decrypts and retrieves a value.
func (v *Vault) Get(key string) (string, error) {
	v.mu.RLock()
	encrypted, exists := v.values[key]
	v.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("key not found: %s", key)
	}

	plaintext, err := v.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Delete removes a value from the vault.
func (v *Vault) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, key)
}

// Keys lists stored key names (the internal check value is hidden).
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		if k == checkKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Export exports the encrypted vault data (for persistence).
func (v *Vault) Export() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	exported := make(map[string]string, len(v.values))
	for k, val := range v.values {
		exported[k] = base64.StdEncoding.EncodeToString(val)
	}
	return exported
}

func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.enabled && v.locked {
		return nil, ErrLocked
	}
	if len(v.key) != keySize {
		return nil, errors.New("no key")
	}
	return seal(v.key, plaintext)
}

func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.enabled && v.locked {
		return nil, ErrLocked
	}
	if len(v.key) != keySize {
		return nil, errors.New("no key")
	}
	return open(v.key, ciphertext)
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	data := ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}
