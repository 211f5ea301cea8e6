package cursor

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/docstore"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/engine"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/expr"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/metrics"
	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

// Token discriminators.
const (
	embedded = 'E'
	stored   = 'S'
)

const (
	defaultMaxLength = 2048
	defaultTTL       = 24 * time.Hour
	keyInfo          = "fhirstore cursor v1"
	maxPayload       = 8 << 20
)

// Options configure a Manager.
type Options struct {
	// Secret derives the token encryption key. Instances sharing a secret
	// accept each other's tokens; an empty secret uses a random key.
	Secret string
	// MaxLength is the largest serialized state embedded in a token.
	MaxLength int
	// TTL is how long server-resident states are kept by Expire.
	TTL time.Duration
	Now func() time.Time
}

// Manager encodes and decodes paging tokens.
type Manager struct {
	store     docstore.CursorStore
	aead      cipher.AEAD
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	maxLength int
	ttl       time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewManager returns a manager persisting large states in store.
func NewManager(store docstore.CursorStore, opts Options, log zerolog.Logger) (*Manager, error) {
	key, err := deriveKey(opts.Secret)
	if err != nil {
		return nil, err
	}
	if opts.Secret == "" {
		log.Warn().Msg("no cursor secret configured, tokens will not survive a restart")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload))
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:     store,
		aead:      aead,
		enc:       enc,
		dec:       dec,
		maxLength: opts.MaxLength,
		ttl:       opts.TTL,
		now:       opts.Now,
		log:       log,
	}
	if m.maxLength <= 0 {
		m.maxLength = defaultMaxLength
	}
	if m.ttl <= 0 {
		m.ttl = defaultTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	if secret == "" {
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, err
		}
		return key, nil
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive cursor key: %w", err)
	}
	return key, nil
}

// Close releases the codec resources.
func (m *Manager) Close() {
	_ = m.enc.Close()
	m.dec.Close()
}

// Encode serializes p into a token.
func (m *Manager) Encode(ctx context.Context, p *PagingData) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode paging data: %w", err)
	}
	compressed := m.enc.EncodeAll(data, nil)

	if len(data) <= m.maxLength {
		nonce := make([]byte, m.aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return "", err
		}
		sealed := m.aead.Seal(nonce, nonce, compressed, nil)
		metrics.CursorsIssued.WithLabelValues("embedded").Inc()
		return string(embedded) + base64.RawURLEncoding.EncodeToString(sealed), nil
	}

	id := uuid.NewString()
	if err := m.store.Put(ctx, id, m.now(), compressed); err != nil {
		return "", err
	}
	metrics.CursorsIssued.WithLabelValues("stored").Inc()
	m.log.Debug().Str("cursor", id).Str("correlation_id", p.CorrelationID).Int("size", len(data)).Msg("paging state stored server side")
	return string(stored) + id, nil
}

// Decode resolves a token. Malformed, tampered, unknown or expired tokens
// fail with a BadLinkError.
func (m *Manager) Decode(ctx context.Context, token string) (*PagingData, error) {
	if token == "" {
		return nil, model.NewBadLinkError("empty paging token")
	}
	var compressed []byte
	switch token[0] {
	case embedded:
		sealed, err := base64.RawURLEncoding.DecodeString(token[1:])
		if err != nil {
			return nil, model.NewBadLinkError("malformed paging token")
		}
		n := m.aead.NonceSize()
		if len(sealed) < n {
			return nil, model.NewBadLinkError("truncated paging token")
		}
		if compressed, err = m.aead.Open(nil, sealed[:n], sealed[n:], nil); err != nil {
			return nil, model.NewBadLinkError("paging token cannot be authenticated")
		}
	case stored:
		id, err := uuid.Parse(token[1:])
		if err != nil {
			return nil, model.NewBadLinkError("malformed paging token")
		}
		compressed, err = m.store.Get(ctx, id.String())
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.NewBadLinkError("paging state expired or unknown")
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, model.NewBadLinkError("unknown paging token encoding")
	}

	data, err := m.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, model.NewBadLinkError("corrupt paging state")
	}
	var p PagingData
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, model.NewBadLinkError("corrupt paging state")
	}
	return &p, nil
}

// Next returns the token of the page following page, or "" on the last page.
func (m *Manager) Next(ctx context.Context, q *expr.Select, page *engine.Page) (string, error) {
	p, err := FromPage(q, page)
	if err != nil || p == nil {
		return "", err
	}
	return m.Encode(ctx, p)
}

// Resume decodes a token into the arguments of the next engine.Search call.
func (m *Manager) Resume(ctx context.Context, token string) (*engine.SearchContext, *expr.Select, error) {
	p, err := m.Decode(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	return p.Resume()
}

// Cleanup removes server-resident states created before watermark.
func (m *Manager) Cleanup(ctx context.Context, watermark time.Time) (int64, error) {
	n, err := m.store.DeleteBefore(ctx, watermark)
	if err != nil {
		return 0, err
	}
	metrics.CursorsRemoved.Add(float64(n))
	m.log.Info().Int64("removed", n).Time("watermark", watermark).Msg("cursor cleanup")
	return n, nil
}

// Expire removes server-resident states older than the configured TTL.
func (m *Manager) Expire(ctx context.Context) (int64, error) {
	return m.Cleanup(ctx, m.now().Add(-m.ttl))
}
