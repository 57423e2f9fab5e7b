package device

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/utils"
)

type fileContents struct {
	Subscription *domain.PushSubscription `json:"subscription,omitempty"`
	// PrivateKey stays on the device; the server only ever sees the public half.
	PrivateKey string           `json:"privateKey,omitempty"`
	State      domain.PushState `json:"state"`
}

// Registry emulates the device push service: it holds the notification
// permission, mints P-256 subscription keys and persists both the
// registration and the sync marker to a JSON file. An empty path keeps
// everything in memory.
type Registry struct {
	permission   domain.Permission
	endpointBase string
	path         string

	mu       sync.Mutex
	contents fileContents
	loaded   bool
}

func NewRegistry(permission domain.Permission, endpointBase, path string) *Registry {
	return &Registry{
		permission:   permission,
		endpointBase: strings.TrimRight(endpointBase, "/"),
		path:         path,
	}
}

func (r *Registry) Permission() domain.Permission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permission
}

func (r *Registry) SetPermission(permission domain.Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permission = permission
}

func (r *Registry) Current(ctx context.Context) (*domain.PushSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	if r.contents.Subscription == nil {
		return nil, nil
	}
	sub := *r.contents.Subscription
	return &sub, nil
}

// Subscribe returns the existing registration or creates one.
func (r *Registry) Subscribe(ctx context.Context) (*domain.PushSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.permission {
	case domain.PermissionGranted:
	case domain.PermissionDenied:
		return nil, domain.ErrPermissionDenied
	default:
		return nil, domain.ErrPermissionNotGranted
	}

	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	if r.contents.Subscription != nil {
		sub := *r.contents.Subscription
		return &sub, nil
	}

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate subscription key: %w", err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}

	now := time.Now().UTC()
	sub := &domain.PushSubscription{
		Endpoint:   r.endpointBase + "/" + utils.GenerateID(""),
		PublicKey:  base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		AuthSecret: base64.RawURLEncoding.EncodeToString(secret),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.contents.Subscription = sub
	r.contents.PrivateKey = base64.RawURLEncoding.EncodeToString(key.Bytes())
	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	out := *sub
	return &out, nil
}

// Unsubscribe drops the registration, as a browser does when the user
// revokes the permission. The next Subscribe mints a new endpoint.
func (r *Registry) Unsubscribe(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return err
	}
	r.contents.Subscription = nil
	r.contents.PrivateKey = ""
	return r.saveLocked()
}

func (r *Registry) LoadState(ctx context.Context) (domain.PushState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return domain.PushState{}, err
	}
	return r.contents.State, nil
}

func (r *Registry) SaveState(ctx context.Context, state domain.PushState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(); err != nil {
		return err
	}
	r.contents.State = state
	return r.saveLocked()
}

func (r *Registry) loadLocked() error {
	if r.loaded || r.path == "" {
		r.loaded = true
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.loaded = true
			return nil
		}
		return fmt.Errorf("read device state: %w", err)
	}
	if err := json.Unmarshal(data, &r.contents); err != nil {
		return fmt.Errorf("decode device state %s: %w", r.path, err)
	}
	r.loaded = true
	return nil
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(r.contents, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("create device state dir: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write device state: %w", err)
	}
	return os.Rename(tmp, r.path)
}
