// Package instance stores connection metadata for the Redis targets the
// agent investigates. Connection URLs are encrypted at rest; the store
// implements the resolver port the dispatcher consumes.
package instance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/agent"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/ids"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/keys"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/search"
)

var ErrInstanceNotFound = errors.New("instance not found")

// Instance is a monitored Redis target. ConnectionURL is plaintext in
// memory only; the stored hash holds the encrypted form.
type Instance struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Environment   string    `json:"environment,omitempty"`
	Usage         string    `json:"usage,omitempty"`
	InstanceType  string    `json:"instance_type,omitempty"`
	ConnectionURL string    `json:"connection_url,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists instances. A nil Cipher stores connection URLs
// verbatim (dev setups without a master key).
type Store struct {
	rdb    *redis.Client
	log    *zap.Logger
	search *search.Manager
	cipher *Cipher
}

func NewStore(log *zap.Logger, rdb *redis.Client, sm *search.Manager, cipher *Cipher) *Store {
	return &Store{rdb: rdb, log: log.Named("instance_store"), search: sm, cipher: cipher}
}

// Create writes a new instance and returns its id.
func (s *Store) Create(ctx context.Context, in Instance) (string, error) {
	if in.Name == "" {
		return "", errors.New("instance requires a name")
	}
	in.ID = ids.New()
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	fields, err := s.fields(&in)
	if err != nil {
		return "", err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keys.Instance(in.ID), fields)
	pipe.SAdd(ctx, keys.InstanceIDs, in.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create instance: %w", err)
	}
	s.projectDoc(ctx, &in)
	return in.ID, nil
}

// Get reads one instance with its connection URL decrypted.
func (s *Store) Get(ctx context.Context, id string) (*Instance, error) {
	h, err := s.rdb.HGetAll(ctx, keys.Instance(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall instance: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrInstanceNotFound
	}

	in := &Instance{
		ID:           id,
		Name:         h["name"],
		Environment:  h["environment"],
		Usage:        h["usage"],
		InstanceType: h["instance_type"],
		Notes:        h["notes"],
	}
	if sec := h["created_at"]; sec != "" {
		in.CreatedAt = parseUnix(sec)
	}
	if sec := h["updated_at"]; sec != "" {
		in.UpdatedAt = parseUnix(sec)
	}

	if enc := h["connection_url"]; enc != "" {
		if s.cipher != nil {
			url, err := s.cipher.Decrypt(enc)
			if err != nil {
				return nil, fmt.Errorf("decrypt connection url for %s: %w", id, err)
			}
			in.ConnectionURL = url
		} else {
			in.ConnectionURL = enc
		}
	}
	return in, nil
}

// List returns every instance without decrypting credentials.
func (s *Store) List(ctx context.Context) ([]Instance, error) {
	idsList, err := s.rdb.SMembers(ctx, keys.InstanceIDs).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers instances: %w", err)
	}
	out := make([]Instance, 0, len(idsList))
	for _, id := range idsList {
		h, err := s.rdb.HGetAll(ctx, keys.Instance(id)).Result()
		if err != nil || len(h) == 0 {
			continue
		}
		out = append(out, Instance{
			ID: id, Name: h["name"], Environment: h["environment"],
			Usage: h["usage"], InstanceType: h["instance_type"],
			CreatedAt: parseUnix(h["created_at"]), UpdatedAt: parseUnix(h["updated_at"]),
		})
	}
	return out, nil
}

// Delete removes an instance and its index entries.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, keys.Instance(id))
	pipe.SRem(ctx, keys.InstanceIDs, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	s.search.DeleteDoc(ctx, keys.SearchInstance(id))
	if del.Val() == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

// GetByID implements the dispatcher's resolver port: unknown ids map to
// (nil, nil) so a bad reference degrades the turn instead of failing it.
func (s *Store) GetByID(ctx context.Context, id string) (*agent.Instance, error) {
	in, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &agent.Instance{
		ID:            in.ID,
		Name:          in.Name,
		Environment:   in.Environment,
		Usage:         in.Usage,
		InstanceType:  in.InstanceType,
		ConnectionURL: in.ConnectionURL,
	}, nil
}

// ProjectDoc re-projects the instance's search document.
func (s *Store) ProjectDoc(ctx context.Context, id string) error {
	in, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.projectDoc(ctx, in)
	return nil
}

func (s *Store) fields(in *Instance) (map[string]interface{}, error) {
	url := in.ConnectionURL
	if url != "" && s.cipher != nil {
		enc, err := s.cipher.Encrypt(url)
		if err != nil {
			return nil, fmt.Errorf("encrypt connection url: %w", err)
		}
		url = enc
	}
	return map[string]interface{}{
		"id":             in.ID,
		"name":           in.Name,
		"environment":    in.Environment,
		"usage":          in.Usage,
		"instance_type":  in.InstanceType,
		"connection_url": url,
		"notes":          in.Notes,
		"created_at":     in.CreatedAt.Unix(),
		"updated_at":     in.UpdatedAt.Unix(),
	}, nil
}

// projectDoc never includes credentials, encrypted or otherwise.
func (s *Store) projectDoc(ctx context.Context, in *Instance) {
	s.search.UpsertDoc(ctx, keys.SearchInstance(in.ID), map[string]interface{}{
		"id":            in.ID,
		"name":          in.Name,
		"environment":   in.Environment,
		"usage":         in.Usage,
		"instance_type": in.InstanceType,
	})
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
