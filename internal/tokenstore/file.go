package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of the key used to encrypt the token file.
const KeySize = chacha20poly1305.KeySize

// FileStore provides atomic file-based storage of the bare refresh token with secure
// permissions. Writes use temp file + rename for crash safety. Only the refresh token is
// kept; access token and expiry are not persisted here.
type FileStore struct {
	filePath string
	key      []byte
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithEncryptionKey encrypts the stored token with XChaCha20-Poly1305 under key.
func WithEncryptionKey(key [KeySize]byte) FileOption {
	return func(f *FileStore) {
		f.key = key[:]
	}
}

// NewFileStore creates a FileStore for the given path. Parent directories are created
// with 0700 permissions on the first write.
func NewFileStore(filePath string, opts ...FileOption) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	f := &FileStore{filePath: filePath}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Name implements Store.
func (f *FileStore) Name() string { return "file" }

// Get returns the stored refresh token. A missing file is a miss; an empty file, insecure
// permissions or undecryptable content are failures.
func (f *FileStore) Get(ctx context.Context, accountID string) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}

	// Check file permissions before reading
	info, err := os.Stat(f.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return NotFound()
	}
	if err != nil {
		return Failed(err)
	}
	if info.Mode().Perm() != 0600 {
		return Failed(fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm()))
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return Failed(err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return Failed(fmt.Errorf("empty token file %s", f.filePath))
	}

	token := content
	if f.key != nil {
		token, err = f.open(content)
		if err != nil {
			return Failed(fmt.Errorf("decrypting %s: %w", f.filePath, err))
		}
	}

	return checked(Record{RefreshToken: token, UpdatedAt: info.ModTime()})
}

// Put atomically saves the record's refresh token with 0600 permissions.
func (f *FileStore) Put(ctx context.Context, accountID string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	content := rec.RefreshToken
	if f.key != nil {
		sealed, err := f.seal(content)
		if err != nil {
			return fmt.Errorf("encrypting token: %w", err)
		}
		content = sealed
	}

	dir := filepath.Dir(f.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	// Create secure temp file in same directory for atomic rename
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.WriteString(content + "\n"); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tempName, f.filePath); err != nil {
		return err
	}

	// 0600 = rw-------
	return os.Chmod(f.filePath, 0600)
}

// Delete removes the token file.
func (f *FileStore) Delete(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// seal encrypts token and encodes nonce||ciphertext as base64.
func (f *FileStore) seal(token string) (string, error) {
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(token)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, []byte(token), nil)), nil
}

func (f *FileStore) open(content string) (string, error) {
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return "", err
	}
	b, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", err
	}
	if len(b) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("stored data is too short")
	}
	nonce, text := b[:aead.NonceSize()], b[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, text, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
