package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig controls transport security to the valkey backend.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig carries the connection settings for the shared cache tier.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

type valkeyStore struct {
	tracker

	client valkey.Client
}

// NewValkey connects to the shared cache tier and verifies it with a ping so
// the process fails fast on a bad address.
func NewValkey(cfg ValkeyConfig, defaultTTL time.Duration) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: valkey address required")
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: valkey ping: %w", err)
	}

	s := &valkeyStore{client: client}
	s.defaultTTL = defaultTTL
	return s, nil
}

func (s *valkeyStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	start := time.Now()
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			s.observe("miss", time.Since(start))
			return Entry{}, false, nil
		}
		s.observe("error", time.Since(start))
		return Entry{}, false, fmt.Errorf("store: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		s.observe("error", time.Since(start))
		return Entry{}, false, fmt.Errorf("store: valkey get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		s.observe("error", time.Since(start))
		return Entry{}, false, fmt.Errorf("store: valkey unmarshal: %w", err)
	}
	s.observe("hit", time.Since(start))
	return entry, true, nil
}

func (s *valkeyStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	start := time.Now()
	if ttl <= 0 {
		ttl = s.getTTL()
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	entry.ExpiresAt = entry.StoredAt.Add(ttl)
	payload, err := json.Marshal(entry)
	if err != nil {
		s.observe("error", time.Since(start))
		return fmt.Errorf("store: valkey marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(key).Value(string(payload)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		s.observe("error", time.Since(start))
		return fmt.Errorf("store: valkey set: %w", err)
	}
	s.observe("set", time.Since(start))
	return nil
}

func (s *valkeyStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(500).Build())
		scan, err := resp.AsScanEntry()
		if err != nil {
			s.observe("error", 0)
			return nil, fmt.Errorf("store: valkey scan: %w", err)
		}
		keys = append(keys, scan.Elements...)
		cursor = scan.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *valkeyStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	start := time.Now()
	resp := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build())
	removed, err := resp.ToInt64()
	if err != nil {
		s.observe("error", time.Since(start))
		return 0, fmt.Errorf("store: valkey del: %w", err)
	}
	s.observe("delete", time.Since(start))
	return int(removed), nil
}

func (s *valkeyStore) Size(ctx context.Context) (int64, error) {
	resp := s.client.Do(ctx, s.client.B().Dbsize().Build())
	size, err := resp.ToInt64()
	if err != nil {
		return 0, fmt.Errorf("store: valkey dbsize: %w", err)
	}
	return size, nil
}

func (s *valkeyStore) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("store: valkey ping: %w", err)
	}
	return nil
}

func (s *valkeyStore) Stats() Stats { return s.snapshot() }

func (s *valkeyStore) DefaultTTL() time.Duration { return s.getTTL() }

func (s *valkeyStore) SetDefaultTTL(d time.Duration) { s.setTTL(d) }

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
